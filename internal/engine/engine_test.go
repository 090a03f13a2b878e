package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"dtiqc/internal/engine"
	"dtiqc/internal/events"
	"dtiqc/internal/pipeline"
	"dtiqc/internal/proclog"
	"dtiqc/internal/reviewlock"
	"dtiqc/internal/selector"
	"dtiqc/internal/testsupport"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.StepRecorded
}

func (p *recordingPublisher) Publish(_ context.Context, event events.StepRecorded) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type harness struct {
	engine   *engine.Engine
	store    *proclog.Store
	locker   reviewlock.Locker
	registry *pipeline.Registry
	metrics  *engine.Metrics
	events   *recordingPublisher
	lockDir  string
}

func newHarness(t *testing.T, runs map[string]pipeline.RunFunc) *harness {
	t.Helper()
	return newLeasedHarness(t, runs, 0)
}

func newLeasedHarness(t *testing.T, runs map[string]pipeline.RunFunc, lease time.Duration) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	locker, err := reviewlock.NewFileLocker(cfg.Paths.LockDir, reviewlock.Options{
		Project:  cfg.Pipeline.Project,
		Claimant: cfg.Pipeline.Operator,
		LeaseTTL: lease,
	})
	if err != nil {
		t.Fatalf("NewFileLocker: %v", err)
	}
	reg := testsupport.Registry(t, runs)
	metrics := engine.NewMetrics(nil)
	pub := &recordingPublisher{}
	eng, err := engine.New(engine.Options{
		Project:  cfg.Pipeline.Project,
		Process:  cfg.Pipeline.Process,
		Operator: cfg.Pipeline.Operator,
		Store:    store,
		Locker:   locker,
		Registry: reg,
		Metrics:  metrics,
		Events:   pub,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return &harness{
		engine:   eng,
		store:    store,
		locker:   locker,
		registry: reg,
		metrics:  metrics,
		events:   pub,
		lockDir:  cfg.Paths.LockDir,
	}
}

func (h *harness) history(t *testing.T, code, step string) []proclog.Entry {
	t.Helper()
	all, err := h.store.History(context.Background(), code)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var out []proclog.Entry
	for _, entry := range all {
		if entry.Step == step {
			out = append(out, entry)
		}
	}
	return out
}

func (h *harness) assertUnlocked(t *testing.T, code string) {
	t.Helper()
	lock, err := h.locker.Peek(context.Background(), code)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if lock != nil {
		t.Fatalf("expected %s unlocked, held by %s", code, lock.Claimant)
	}
}

func (h *harness) readyForReview(t *testing.T, code string) {
	t.Helper()
	testsupport.Record(t, h.store, code, testsupport.StepFit, proclog.OutcomeDone, time.Now().Add(-time.Hour))
}

func TestRunAutomatedStepRecordsOneEntry(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.engine.Run(context.Background(), testsupport.StepStage, "S001")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Entry.Outcome != proclog.OutcomeDone {
		t.Fatalf("expected Done, got %s", res.Entry.Outcome)
	}
	if res.Next != testsupport.StepFit {
		t.Fatalf("expected next %s, got %q", testsupport.StepFit, res.Next)
	}
	if res.Entry.ID == 0 || res.Entry.CompletedBy != "tester" {
		t.Fatalf("unexpected stored entry: %+v", res.Entry)
	}
	if got := h.history(t, "S001", testsupport.StepStage); len(got) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(got))
	}
	if got := testutil.ToFloat64(h.metrics.Outcomes().WithLabelValues(testsupport.StepStage, "Done")); got != 1 {
		t.Fatalf("expected outcome counter 1, got %v", got)
	}
	if len(h.events.events) != 1 || h.events.events[0].Next != testsupport.StepFit {
		t.Fatalf("expected one published event, got %+v", h.events.events)
	}
	if h.events.events[0].CorrelationID != res.CorrelationID || res.CorrelationID == "" {
		t.Fatalf("event correlation id mismatch: %+v", h.events.events[0])
	}
}

func TestRunInteractiveHeldRecordsNothing(t *testing.T) {
	called := false
	h := newHarness(t, map[string]pipeline.RunFunc{
		testsupport.StepMaskQC: func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
			called = true
			return pipeline.Result{Outcome: proclog.OutcomePass}, nil
		},
	})
	h.readyForReview(t, "S001")

	other, err := reviewlock.NewFileLocker(h.lockDir, reviewlock.Options{Project: "testproj", Claimant: "alice"})
	if err != nil {
		t.Fatalf("NewFileLocker: %v", err)
	}
	held, err := other.Acquire(context.Background(), "S001", testsupport.StepMaskQC)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	_, err = h.engine.Run(context.Background(), testsupport.StepMaskQC, "S001")
	if !errors.Is(err, reviewlock.ErrAlreadyUnderReview) {
		t.Fatalf("expected ErrAlreadyUnderReview, got %v", err)
	}
	if !strings.Contains(err.Error(), "alice") {
		t.Fatalf("expected holder in message, got %q", err)
	}
	if called {
		t.Fatal("step must not run while the case is held")
	}
	if got := h.history(t, "S001", testsupport.StepMaskQC); len(got) != 0 {
		t.Fatalf("expected no entry, got %d", len(got))
	}
	lock, err := h.locker.Peek(context.Background(), "S001")
	if err != nil || lock == nil || lock.Token != held.Token {
		t.Fatalf("holder's lock must survive: lock=%+v err=%v", lock, err)
	}
}

func TestRunInteractiveAlwaysReleasesLock(t *testing.T) {
	tests := []struct {
		name       string
		run        pipeline.RunFunc
		cancel     bool
		wantOut    proclog.Outcome
		wantReason proclog.Reason
		wantNext   string
		comment    string
	}{
		{
			name: "pass",
			run: func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
				return pipeline.Result{Outcome: proclog.OutcomePass, Comments: "clean"}, nil
			},
			wantOut:  proclog.OutcomePass,
			wantNext: testsupport.StepApplyMask,
			comment:  "clean",
		},
		{
			name: "fail ends the path",
			run: func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
				return pipeline.Result{Outcome: proclog.OutcomeFail}, nil
			},
			wantOut: proclog.OutcomeFail,
		},
		{
			name: "missing input",
			run: func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
				return pipeline.Result{}, engine.InputMissing(testsupport.StepMaskQC, "S001_mask_auto.nii.gz")
			},
			wantOut: proclog.OutcomeError,
			comment: "S001_mask_auto.nii.gz not found",
		},
		{
			name: "panic",
			run: func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
				var m map[string]int
				m["boom"]++
				return pipeline.Result{}, nil
			},
			wantOut: proclog.OutcomeError,
			comment: "panic",
		},
		{
			name: "reviewer quit",
			run: func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
				return pipeline.Result{Outcome: proclog.OutcomeCancelled, Comments: "lunch"}, nil
			},
			wantOut:    proclog.OutcomeCancelled,
			wantReason: proclog.ReasonExited,
			comment:    "lunch",
		},
		{
			name: "reviewer skip",
			run: func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
				return pipeline.Result{}, engine.Cancelled(testsupport.StepMaskQC, proclog.ReasonSkipped)
			},
			wantOut:    proclog.OutcomeCancelled,
			wantReason: proclog.ReasonSkipped,
		},
		{
			name: "interrupted",
			run: func(ctx context.Context, _ pipeline.Invocation) (pipeline.Result, error) {
				<-ctx.Done()
				return pipeline.Result{}, ctx.Err()
			},
			cancel:     true,
			wantOut:    proclog.OutcomeCancelled,
			wantReason: proclog.ReasonInterrupted,
		},
		{
			name: "undeclared outcome",
			run: func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
				return pipeline.Result{Outcome: proclog.OutcomeDone}, nil
			},
			wantOut: proclog.OutcomeError,
			comment: "not declared",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, map[string]pipeline.RunFunc{testsupport.StepMaskQC: tc.run})
			h.readyForReview(t, "S001")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tc.cancel {
				cancel()
			}

			res, err := h.engine.Run(ctx, testsupport.StepMaskQC, "S001")
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Entry.Outcome != tc.wantOut || res.Entry.Reason != tc.wantReason {
				t.Fatalf("expected %s/%q, got %s/%q", tc.wantOut, tc.wantReason, res.Entry.Outcome, res.Entry.Reason)
			}
			if res.Next != tc.wantNext {
				t.Fatalf("expected next %q, got %q", tc.wantNext, res.Next)
			}
			if !strings.Contains(res.Entry.Comments, tc.comment) {
				t.Fatalf("expected comment containing %q, got %q", tc.comment, res.Entry.Comments)
			}
			if got := h.history(t, "S001", testsupport.StepMaskQC); len(got) != 1 {
				t.Fatalf("expected exactly one entry, got %d", len(got))
			}
			h.assertUnlocked(t, "S001")
		})
	}
}

func TestRunInteractiveRenewsLeaseWhileOpen(t *testing.T) {
	const lease = 300 * time.Millisecond
	var (
		h          *harness
		contestErr error
	)
	h = newLeasedHarness(t, map[string]pipeline.RunFunc{
		testsupport.StepMaskQC: func(ctx context.Context, _ pipeline.Invocation) (pipeline.Result, error) {
			time.Sleep(3 * lease)
			other, err := reviewlock.NewFileLocker(h.lockDir, reviewlock.Options{
				Project:  "testproj",
				Claimant: "alice",
				LeaseTTL: lease,
			})
			if err != nil {
				return pipeline.Result{}, err
			}
			_, contestErr = other.Acquire(ctx, "S001", testsupport.StepMaskQC)
			return pipeline.Result{Outcome: proclog.OutcomePass}, nil
		},
	}, lease)
	h.readyForReview(t, "S001")

	res, err := h.engine.Run(context.Background(), testsupport.StepMaskQC, "S001")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(contestErr, reviewlock.ErrAlreadyUnderReview) {
		t.Fatalf("expected the open review to keep its lock past the lease, got %v", contestErr)
	}
	if res.Entry.Outcome != proclog.OutcomePass {
		t.Fatalf("expected Pass, got %s", res.Entry.Outcome)
	}
	h.assertUnlocked(t, "S001")
}

func TestRunMarksRedoAfterUpstreamEdit(t *testing.T) {
	var sawRedo bool
	h := newHarness(t, map[string]pipeline.RunFunc{
		testsupport.StepApplyMask: func(_ context.Context, inv pipeline.Invocation) (pipeline.Result, error) {
			sawRedo = inv.Redo
			return pipeline.Result{Outcome: proclog.OutcomeDone}, nil
		},
	})
	at := time.Now().Add(-time.Hour)
	testsupport.Record(t, h.store, "S001", testsupport.StepFit, proclog.OutcomeDone, at)
	testsupport.Record(t, h.store, "S001", testsupport.StepMaskQC, proclog.OutcomeEdit, at.Add(time.Minute))
	testsupport.Record(t, h.store, "S002", testsupport.StepFit, proclog.OutcomeDone, at)
	testsupport.Record(t, h.store, "S002", testsupport.StepMaskQC, proclog.OutcomePass, at.Add(time.Minute))

	edited, err := h.engine.Run(context.Background(), testsupport.StepApplyMask, "S001")
	if err != nil {
		t.Fatalf("Run S001: %v", err)
	}
	if edited.Entry.Outcome != proclog.OutcomeRedone || !edited.Redo || !sawRedo {
		t.Fatalf("expected Redone after edit, got %s (redo=%v, step saw %v)", edited.Entry.Outcome, edited.Redo, sawRedo)
	}
	if edited.Next != testsupport.StepWarpQC {
		t.Fatalf("expected next %s, got %q", testsupport.StepWarpQC, edited.Next)
	}

	passed, err := h.engine.Run(context.Background(), testsupport.StepApplyMask, "S002")
	if err != nil {
		t.Fatalf("Run S002: %v", err)
	}
	if passed.Entry.Outcome != proclog.OutcomeDone || sawRedo {
		t.Fatalf("expected Done without edit, got %s", passed.Entry.Outcome)
	}
}

func TestRunAutomatedPanicAbortsOnlyThatCase(t *testing.T) {
	h := newHarness(t, map[string]pipeline.RunFunc{
		testsupport.StepFit: func(_ context.Context, inv pipeline.Invocation) (pipeline.Result, error) {
			if inv.Code == "S001" {
				panic("index out of range")
			}
			return pipeline.Result{Outcome: proclog.OutcomeDone}, nil
		},
	})

	bad, err := h.engine.Run(context.Background(), testsupport.StepFit, "S001")
	if err != nil {
		t.Fatalf("Run S001: %v", err)
	}
	if bad.Entry.Outcome != proclog.OutcomeError || engine.KindOf(bad.Err) != engine.KindFault {
		t.Fatalf("expected fault recorded as Error, got %s (%v)", bad.Entry.Outcome, bad.Err)
	}
	good, err := h.engine.Run(context.Background(), testsupport.StepFit, "S002")
	if err != nil || good.Entry.Outcome != proclog.OutcomeDone {
		t.Fatalf("expected S002 unaffected, got %s err=%v", good.Entry.Outcome, err)
	}
}

func TestRunRejectsUnknownStep(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.engine.Run(context.Background(), "Nope", "S001"); !errors.Is(err, pipeline.ErrUnknownStep) {
		t.Fatalf("expected ErrUnknownStep, got %v", err)
	}
}

func TestRunClaimReleasesSelectorLock(t *testing.T) {
	h := newHarness(t, nil)
	h.readyForReview(t, "S001")

	sel, err := selector.New(selector.Options{
		Operator: "tester",
		Source:   h.store,
		Locker:   h.locker,
		Registry: h.registry,
	})
	if err != nil {
		t.Fatalf("selector.New: %v", err)
	}
	claim, err := sel.Next(context.Background(), testsupport.StepMaskQC)
	if err != nil || claim == nil {
		t.Fatalf("Next: claim=%v err=%v", claim, err)
	}

	res, err := h.engine.RunClaim(context.Background(), *claim)
	if err != nil {
		t.Fatalf("RunClaim: %v", err)
	}
	if res.Entry.Outcome != proclog.OutcomePass {
		t.Fatalf("expected Pass, got %s", res.Entry.Outcome)
	}
	h.assertUnlocked(t, "S001")

	again, err := sel.Next(context.Background(), testsupport.StepMaskQC)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if again != nil {
		t.Fatalf("reviewed case handed out again: %+v", again)
	}
}

func TestRunChainStopsAtReviewAndIsIdempotent(t *testing.T) {
	runs := 0
	count := func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
		runs++
		return pipeline.Result{Outcome: proclog.OutcomeDone}, nil
	}
	h := newHarness(t, map[string]pipeline.RunFunc{
		testsupport.StepStage: count,
		testsupport.StepFit:   count,
	})
	ctx := context.Background()

	first, err := h.engine.RunChain(ctx, "S001")
	if err != nil {
		t.Fatalf("RunChain: %v", err)
	}
	if len(first) != 2 || first[1].Next != testsupport.StepMaskQC {
		t.Fatalf("expected Stage and Fit then a stop before review, got %+v", first)
	}

	second, err := h.engine.RunChain(ctx, "S001")
	if err != nil {
		t.Fatalf("second RunChain: %v", err)
	}
	if runs != 2 {
		t.Fatalf("expected no re-run of recorded steps, ran %d times", runs)
	}
	for _, res := range second {
		if !res.Skipped {
			t.Fatalf("expected %s skipped on second pass", res.Step)
		}
	}
}

func TestRunChainHaltsOnError(t *testing.T) {
	h := newHarness(t, map[string]pipeline.RunFunc{
		testsupport.StepFit: func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
			return pipeline.Result{}, engine.Wrap(engine.KindMalformedInput, testsupport.StepFit, "validate", "bval/bvec count mismatch", nil)
		},
	})
	ctx := context.Background()

	results, err := h.engine.RunChain(ctx, "S001")
	if err != nil {
		t.Fatalf("RunChain: %v", err)
	}
	if len(results) != 2 || results[1].Entry.Outcome != proclog.OutcomeError {
		t.Fatalf("expected chain to stop at Fit error, got %+v", results)
	}
	if !errors.Is(results[1].Err, engine.ErrMalformedInput) {
		t.Fatalf("expected malformed input error, got %v", results[1].Err)
	}

	again, err := h.engine.RunChain(ctx, "S001")
	if err != nil {
		t.Fatalf("second RunChain: %v", err)
	}
	if len(again) != 2 || !again[1].Skipped || again[1].Entry.Outcome != proclog.OutcomeError {
		t.Fatalf("expected halted case to stay halted, got %+v", again)
	}
	if got := h.history(t, "S001", testsupport.StepFit); len(got) != 1 {
		t.Fatalf("expected one Fit entry, got %d", len(got))
	}
}

func TestRunChainRejectsInteractiveStep(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.engine.RunChain(context.Background(), "S001", "maskqc"); err == nil {
		t.Fatal("expected error for interactive step in chain")
	}
}

func TestRunChainWaitsOnUnsatisfiedPredecessor(t *testing.T) {
	ran := false
	h := newHarness(t, map[string]pipeline.RunFunc{
		testsupport.StepApplyMask: func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
			ran = true
			return pipeline.Result{Outcome: proclog.OutcomeDone}, nil
		},
	})
	ctx := context.Background()

	results, err := h.engine.RunChain(ctx, "S001", testsupport.StepApplyMask)
	if err != nil {
		t.Fatalf("RunChain: %v", err)
	}
	if len(results) != 1 || results[0].Blocked != testsupport.StepMaskQC || results[0].BlockedBy.Outcome != "" {
		t.Fatalf("expected ApplyMask waiting on unreviewed MaskQC, got %+v", results)
	}

	h.readyForReview(t, "S001")
	testsupport.Record(t, h.store, "S001", testsupport.StepMaskQC, proclog.OutcomeFail, time.Now().Add(-time.Minute))
	results, err = h.engine.RunChain(ctx, "S001", testsupport.StepApplyMask)
	if err != nil {
		t.Fatalf("RunChain: %v", err)
	}
	if len(results) != 1 || results[0].Blocked != testsupport.StepMaskQC || results[0].BlockedBy.Outcome != proclog.OutcomeFail {
		t.Fatalf("expected ApplyMask waiting on failed MaskQC, got %+v", results)
	}
	if ran {
		t.Fatal("ApplyMask must not run after a failed review")
	}
	if got := h.history(t, "S001", testsupport.StepApplyMask); len(got) != 0 {
		t.Fatalf("expected no ApplyMask entry, got %d", len(got))
	}
}

func TestRunChainNamedStepsSeeEarlierResults(t *testing.T) {
	h := newHarness(t, nil)

	results, err := h.engine.RunChain(context.Background(), "S001", testsupport.StepStage, testsupport.StepFit)
	if err != nil {
		t.Fatalf("RunChain: %v", err)
	}
	if len(results) != 2 || results[1].Blocked != "" || results[1].Entry.Outcome != proclog.OutcomeDone {
		t.Fatalf("expected Fit to run after Stage in the same chain, got %+v", results)
	}
}

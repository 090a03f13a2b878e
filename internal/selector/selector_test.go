package selector_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dtiqc/internal/proclog"
	"dtiqc/internal/reviewlock"
	"dtiqc/internal/selector"
	"dtiqc/internal/testsupport"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   *proclog.Store
	lockDir string
}

func newFixture(t *testing.T) (*fixture, func(operator string, policy selector.Policy) *selector.Selector) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reg := testsupport.Registry(t, nil)
	f := &fixture{store: store, lockDir: cfg.Paths.LockDir}
	build := func(operator string, policy selector.Policy) *selector.Selector {
		locker, err := reviewlock.NewFileLocker(cfg.Paths.LockDir, reviewlock.Options{
			Project:  cfg.Pipeline.Project,
			Claimant: operator,
		})
		if err != nil {
			t.Fatalf("NewFileLocker: %v", err)
		}
		sel, err := selector.New(selector.Options{
			Operator: operator,
			Source:   store,
			Locker:   locker,
			Registry: reg,
			Policy:   policy,
		})
		if err != nil {
			t.Fatalf("selector.New: %v", err)
		}
		return sel
	}
	return f, build
}

// readyForMaskQC records a completed Fit for each code, one minute apart.
func (f *fixture) readyForMaskQC(t *testing.T, codes ...string) {
	t.Helper()
	for i, code := range codes {
		testsupport.Record(t, f.store, code, testsupport.StepFit, proclog.OutcomeDone, base.Add(time.Duration(i)*time.Minute))
	}
}

func TestNextReturnsNilWhenNothingReady(t *testing.T) {
	_, build := newFixture(t)
	sel := build("alice", nil)

	claim, err := sel.Next(context.Background(), testsupport.StepMaskQC)
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if claim != nil {
		t.Fatalf("expected no claim, got %+v", claim)
	}
}

func TestNextSkipsHeldCasesAndExhausts(t *testing.T) {
	f, build := newFixture(t)
	f.readyForMaskQC(t, "S001", "S002")
	alice := build("alice", selector.Priority{})
	bob := build("bob", selector.Priority{})
	ctx := context.Background()

	first, err := alice.Next(ctx, testsupport.StepMaskQC)
	if err != nil || first == nil {
		t.Fatalf("alice Next: claim=%v err=%v", first, err)
	}
	if first.Code != "S001" {
		t.Fatalf("priority policy should serve the oldest case, got %s", first.Code)
	}

	second, err := bob.Next(ctx, testsupport.StepMaskQC)
	if err != nil || second == nil {
		t.Fatalf("bob Next: claim=%v err=%v", second, err)
	}
	if second.Code != "S002" {
		t.Fatalf("expected bob to skip the held case, got %s", second.Code)
	}

	third, err := bob.Next(ctx, testsupport.StepMaskQC)
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if third != nil {
		t.Fatalf("expected exhaustion, got %+v", third)
	}
}

func TestNextResumesOwnCancellationFirst(t *testing.T) {
	f, build := newFixture(t)
	f.readyForMaskQC(t, "S001", "S002", "S003")
	testsupport.RecordEntry(t, f.store, proclog.Entry{
		Code:        "S003",
		Step:        testsupport.StepMaskQC,
		Outcome:     proclog.OutcomeCancelled,
		Reason:      proclog.ReasonExited,
		CompletedBy: "alice",
		CompletedOn: base.Add(time.Hour),
	})
	testsupport.RecordEntry(t, f.store, proclog.Entry{
		Code:        "S002",
		Step:        testsupport.StepMaskQC,
		Outcome:     proclog.OutcomeCancelled,
		Reason:      proclog.ReasonSkipped,
		CompletedBy: "alice",
		CompletedOn: base.Add(time.Hour),
	})
	ctx := context.Background()

	claim, err := build("alice", selector.Priority{}).Next(ctx, testsupport.StepMaskQC)
	if err != nil || claim == nil {
		t.Fatalf("Next: claim=%v err=%v", claim, err)
	}
	if claim.Code != "S003" || !claim.Resumed {
		t.Fatalf("expected resumed S003, got %+v", claim)
	}

	other, err := build("bob", selector.Priority{}).Next(ctx, testsupport.StepMaskQC)
	if err != nil || other == nil {
		t.Fatalf("bob Next: claim=%v err=%v", other, err)
	}
	if other.Code != "S001" || other.Resumed {
		t.Fatalf("bob should not resume alice's case, got %+v", other)
	}

	skipped, err := build("alice", selector.Priority{}).Next(ctx, testsupport.StepMaskQC)
	if err != nil || skipped == nil {
		t.Fatalf("later Next: claim=%v err=%v", skipped, err)
	}
	if skipped.Code != "S002" || skipped.Resumed {
		t.Fatalf("expected skipped S002 back in the queue without resume, got %+v", skipped)
	}
}

func TestNextDoesNotReturnFinishedCase(t *testing.T) {
	f, build := newFixture(t)
	f.readyForMaskQC(t, "S001")
	sel := build("alice", nil)
	ctx := context.Background()

	claim, err := sel.Next(ctx, testsupport.StepMaskQC)
	if err != nil || claim == nil {
		t.Fatalf("Next: claim=%v err=%v", claim, err)
	}
	testsupport.Record(t, f.store, "S001", testsupport.StepMaskQC, proclog.OutcomePass, base.Add(time.Hour))
	locker, err := reviewlock.NewFileLocker(f.lockDir, reviewlock.Options{Project: "testproj", Claimant: "alice"})
	if err != nil {
		t.Fatalf("NewFileLocker: %v", err)
	}
	if err := locker.Release(ctx, claim.Lock); err != nil {
		t.Fatalf("Release: %v", err)
	}

	again, err := sel.Next(ctx, testsupport.StepMaskQC)
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if again != nil {
		t.Fatalf("finished case handed out again: %+v", again)
	}
}

func TestConcurrentNextNeverSharesCase(t *testing.T) {
	f, build := newFixture(t)
	var codes []string
	for i := 1; i <= 12; i++ {
		codes = append(codes, fmt.Sprintf("S%03d", i))
	}
	f.readyForMaskQC(t, codes...)

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		operator := fmt.Sprintf("reviewer%d", w)
		sel := build(operator, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claim, err := sel.Next(context.Background(), testsupport.StepMaskQC)
				if err != nil {
					t.Errorf("%s Next: %v", operator, err)
					return
				}
				if claim == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[claim.Code]; dup {
					t.Errorf("case %s handed to %s and %s", claim.Code, prev, operator)
				}
				claimed[claim.Code] = operator
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != len(codes) {
		t.Fatalf("expected every case claimed once, got %d of %d", len(claimed), len(codes))
	}
}

func TestReadyReportsHolders(t *testing.T) {
	f, build := newFixture(t)
	f.readyForMaskQC(t, "S001", "S002")
	alice := build("alice", selector.Priority{})
	ctx := context.Background()

	if _, err := alice.Next(ctx, testsupport.StepMaskQC); err != nil {
		t.Fatalf("Next: %v", err)
	}
	rows, err := build("bob", nil).Ready(ctx, testsupport.StepMaskQC)
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 pending rows, got %d", len(rows))
	}
	if rows[0].Holder == nil || rows[0].Holder.Claimant != "alice" {
		t.Fatalf("expected S001 held by alice, got %+v", rows[0].Holder)
	}
	if rows[1].Holder != nil {
		t.Fatalf("expected S002 free, got %+v", rows[1].Holder)
	}
}

func TestNextRejectsUnknownStep(t *testing.T) {
	_, build := newFixture(t)
	if _, err := build("alice", nil).Next(context.Background(), "Nope"); err == nil {
		t.Fatal("expected unknown step error")
	}
}

func TestNextExcludingOffersRemainingCases(t *testing.T) {
	f, build := newFixture(t)
	f.readyForMaskQC(t, "S001", "S002")
	sel := build("alice", selector.Priority{})
	ctx := context.Background()

	first, err := sel.Next(ctx, testsupport.StepMaskQC)
	if err != nil || first == nil || first.Code != "S001" {
		t.Fatalf("Next: claim=%+v err=%v", first, err)
	}
	testsupport.RecordEntry(t, f.store, proclog.Entry{
		Code:        "S001",
		Step:        testsupport.StepMaskQC,
		Outcome:     proclog.OutcomeCancelled,
		Reason:      proclog.ReasonSkipped,
		CompletedBy: "alice",
		CompletedOn: base.Add(time.Hour),
	})
	releaseLock(t, f, "alice", first.Lock)

	seen := map[string]bool{"S001": true}
	second, err := sel.Next(ctx, testsupport.StepMaskQC, selector.Excluding(seen))
	if err != nil || second == nil {
		t.Fatalf("Next excluding S001: claim=%v err=%v", second, err)
	}
	if second.Code != "S002" {
		t.Fatalf("expected S002 after skipping S001, got %s", second.Code)
	}
	releaseLock(t, f, "alice", second.Lock)

	seen["S002"] = true
	none, err := sel.Next(ctx, testsupport.StepMaskQC, selector.Excluding(seen))
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nothing once every case was offered, got %+v", none)
	}
}

type staleSource struct {
	*proclog.Store
	candidates []proclog.Candidate
}

func (s staleSource) Ready(context.Context, string, []string) ([]proclog.Candidate, error) {
	return s.candidates, nil
}

func TestClaimCaseRechecksAfterLock(t *testing.T) {
	f, _ := newFixture(t)
	f.readyForMaskQC(t, "S001")
	testsupport.Record(t, f.store, "S001", testsupport.StepMaskQC, proclog.OutcomePass, base.Add(time.Hour))

	locker, err := reviewlock.NewFileLocker(f.lockDir, reviewlock.Options{Project: "testproj", Claimant: "alice"})
	if err != nil {
		t.Fatalf("NewFileLocker: %v", err)
	}
	sel, err := selector.New(selector.Options{
		Operator: "alice",
		Source:   staleSource{Store: f.store, candidates: []proclog.Candidate{{Code: "S001", ReadySince: base}}},
		Locker:   locker,
		Registry: testsupport.Registry(t, nil),
	})
	if err != nil {
		t.Fatalf("selector.New: %v", err)
	}

	claim, err := sel.ClaimCase(context.Background(), testsupport.StepMaskQC, "S001")
	if err != nil {
		t.Fatalf("ClaimCase: %v", err)
	}
	if claim != nil {
		t.Fatalf("finished case claimed: %+v", claim)
	}
	lock, err := locker.Peek(context.Background(), "S001")
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if lock != nil {
		t.Fatalf("expected lock released, held by %s", lock.Claimant)
	}
}

func TestClaimCaseReportsHolder(t *testing.T) {
	f, build := newFixture(t)
	f.readyForMaskQC(t, "S001")
	ctx := context.Background()

	if _, err := build("alice", nil).ClaimCase(ctx, testsupport.StepMaskQC, "S001"); err != nil {
		t.Fatalf("alice ClaimCase: %v", err)
	}
	_, err := build("bob", nil).ClaimCase(ctx, testsupport.StepMaskQC, "S001")
	if !errors.Is(err, reviewlock.ErrAlreadyUnderReview) {
		t.Fatalf("expected ErrAlreadyUnderReview, got %v", err)
	}

	claim, err := build("bob", nil).ClaimCase(ctx, testsupport.StepMaskQC, "S404")
	if err != nil || claim != nil {
		t.Fatalf("expected no claim for unknown case, got %+v err=%v", claim, err)
	}
}

func releaseLock(t *testing.T, f *fixture, operator string, lock reviewlock.Lock) {
	t.Helper()
	locker, err := reviewlock.NewFileLocker(f.lockDir, reviewlock.Options{Project: "testproj", Claimant: operator})
	if err != nil {
		t.Fatalf("NewFileLocker: %v", err)
	}
	if err := locker.Release(context.Background(), lock); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"dtiqc/internal/events"
	"dtiqc/internal/logging"
	"dtiqc/internal/notifications"
	"dtiqc/internal/pipeline"
	"dtiqc/internal/proclog"
	"dtiqc/internal/reviewlock"
	"dtiqc/internal/selector"
)

const releaseTimeout = 5 * time.Second

// LogStore is the slice of the processing log the engine writes and reads.
type LogStore interface {
	Append(ctx context.Context, entry proclog.Entry) (proclog.Entry, error)
	LatestForCase(ctx context.Context, code string) (map[string]proclog.Entry, error)
}

// Options wires an Engine. Store, Locker, and Registry are required.
type Options struct {
	Project  string
	Process  string
	Operator string
	Store    LogStore
	Locker   reviewlock.Locker
	Registry *pipeline.Registry
	Logger   *slog.Logger
	Metrics  *Metrics
	Events   events.Publisher
	Notifier notifications.Service
	Now      func() time.Time
}

// Engine executes one step for one case, records exactly one log entry, and
// resolves the next step.
type Engine struct {
	project  string
	process  string
	operator string
	store    LogStore
	locker   reviewlock.Locker
	registry *pipeline.Registry
	logger   *slog.Logger
	metrics  *Metrics
	events   events.Publisher
	notifier notifications.Service
	now      func() time.Time
}

// Result describes one recorded invocation.
type Result struct {
	Code     string
	Step     string
	Entry    proclog.Entry
	Next     string
	Redo     bool
	Duration time.Duration
	// Err is the step failure behind an Error or Cancelled entry.
	Err           error
	CorrelationID string
	// Skipped is set by RunChain for a step whose latest entry was already
	// terminal; Entry is that existing entry.
	Skipped bool
	// Blocked names the predecessor whose latest entry keeps the step from
	// running. BlockedBy is that entry, zero when none is recorded.
	Blocked   string
	BlockedBy proclog.Entry
}

// New validates opts and builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Locker == nil {
		return nil, errors.New("engine: review locker is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("engine: step registry is required")
	}
	if strings.TrimSpace(opts.Operator) == "" {
		return nil, errors.New("engine: operator is required")
	}
	e := &Engine{
		project:  opts.Project,
		process:  opts.Process,
		operator: opts.Operator,
		store:    opts.Store,
		locker:   opts.Locker,
		registry: opts.Registry,
		logger:   logging.NewComponentLogger(opts.Logger, "engine"),
		metrics:  opts.Metrics,
		events:   opts.Events,
		notifier: opts.Notifier,
		now:      opts.Now,
	}
	if e.events == nil {
		e.events = events.Nop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Registry returns the step registry the engine runs.
func (e *Engine) Registry() *pipeline.Registry { return e.registry }

// Run executes step for code. The caller is trusted to have checked that the
// case is ready. Interactive steps take the review lock first; when the case
// is already under review the returned error wraps
// reviewlock.ErrAlreadyUnderReview and nothing is logged.
func (e *Engine) Run(ctx context.Context, step, code string) (Result, error) {
	def, ok := e.registry.Get(step)
	if !ok {
		return Result{}, fmt.Errorf("%w %q", pipeline.ErrUnknownStep, step)
	}
	if !def.Interactive {
		return e.execute(ctx, def, code, nil)
	}
	lock, err := e.locker.Acquire(ctx, code, def.Name)
	if err != nil {
		if errors.Is(err, reviewlock.ErrAlreadyUnderReview) {
			e.metrics.conflict(def.Name)
			logging.WarnWithContext(e.logger, "case already under review", "lock_held",
				logging.String(logging.FieldCase, code),
				logging.String(logging.FieldStep, def.Name),
				logging.Error(err),
				logging.String(logging.FieldImpact, "no entry recorded"),
				logging.String(logging.FieldErrorHint, "pick another case or clear a stale lock with 'dtiqc lock clear'"),
			)
		}
		return Result{Code: code, Step: def.Name}, err
	}
	return e.execute(ctx, def, code, &lock)
}

// RunClaim executes a case handed out by the queue selector. The claim's lock
// is always released before RunClaim returns.
func (e *Engine) RunClaim(ctx context.Context, claim selector.Claim) (Result, error) {
	def, ok := e.registry.Get(claim.Step)
	if !ok {
		e.release(ctx, claim.Lock)
		return Result{}, fmt.Errorf("%w %q", pipeline.ErrUnknownStep, claim.Step)
	}
	return e.execute(ctx, def, claim.Code, &claim.Lock)
}

func (e *Engine) execute(ctx context.Context, def pipeline.StepDefinition, code string, lock *reviewlock.Lock) (Result, error) {
	start := e.now()
	requestID := uuid.NewString()
	ctx = logging.WithCase(ctx, code)
	ctx = logging.WithStep(ctx, def.Name)
	ctx = logging.WithRequestID(ctx, requestID)
	logger := logging.WithContext(ctx, e.logger)

	if lock != nil && lock.Token != "" {
		defer e.release(ctx, *lock)
	}

	redo := false
	if !def.Interactive {
		edited, err := e.upstreamEdited(ctx, def, code)
		if err != nil {
			return Result{Code: code, Step: def.Name}, err
		}
		redo = edited
	}

	logger.Info("step started",
		logging.String(logging.FieldEventType, "step_start"),
		logging.Bool("interactive", def.Interactive),
		logging.Bool("redo", redo),
	)

	stopRenew := e.renewLease(ctx, logger, lock)
	stepRes, runErr := e.invoke(ctx, def, pipeline.Invocation{
		Project:  e.project,
		Process:  e.process,
		Code:     code,
		Step:     def.Name,
		Operator: e.operator,
		Redo:     redo,
		Logger:   logger,
	})
	stopRenew()

	entry, runErr := e.entryFor(def, code, stepRes, runErr, redo)
	stored, err := e.store.Append(context.WithoutCancel(ctx), entry)
	if err != nil {
		logging.ErrorWithContext(logger, "failed to record step outcome", "log_append_failed",
			logging.String(logging.FieldOutcome, string(entry.Outcome)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the processing log database"),
		)
		return Result{Code: code, Step: def.Name, Err: runErr}, fmt.Errorf("record %s for %s: %w", def.Name, code, err)
	}

	res := Result{
		Code:          code,
		Step:          def.Name,
		Entry:         stored,
		Next:          def.NextStep(stored.Outcome),
		Redo:          redo,
		Duration:      e.now().Sub(start),
		Err:           runErr,
		CorrelationID: requestID,
	}
	e.afterAppend(ctx, logger, res)
	return res, nil
}

// invoke runs the step closure and converts a panic into a fault error so a
// bug in one step aborts only that case.
func (e *Engine) invoke(ctx context.Context, def pipeline.StepDefinition, inv pipeline.Invocation) (res pipeline.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			inv.Logger.Error("step panicked",
				logging.String(logging.FieldEventType, "step_panic"),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			res = pipeline.Result{}
			err = &StepError{Kind: KindFault, Step: def.Name, Op: "run", Message: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return def.Run(ctx, inv)
}

func (e *Engine) entryFor(def pipeline.StepDefinition, code string, res pipeline.Result, runErr error, redo bool) (proclog.Entry, error) {
	entry := proclog.Entry{
		Project:     e.project,
		Process:     e.process,
		Code:        code,
		Step:        def.Name,
		CompletedBy: e.operator,
	}

	if runErr == nil {
		switch {
		case res.Outcome == "":
			runErr = &StepError{Kind: KindFault, Step: def.Name, Message: "step returned no outcome"}
		case !def.Allowed(res.Outcome):
			runErr = &StepError{Kind: KindFault, Step: def.Name, Message: fmt.Sprintf("outcome %s is not declared for this step", res.Outcome)}
		}
	}

	if runErr != nil {
		entry.Outcome, entry.Reason = Classify(runErr)
		if entry.Outcome == proclog.OutcomeCancelled {
			entry.Comments = res.Comments
		} else {
			entry.Comments = runErr.Error()
		}
		return entry, runErr
	}

	entry.Outcome = res.Outcome
	entry.Comments = res.Comments
	switch res.Outcome {
	case proclog.OutcomeCancelled:
		entry.Reason = res.Reason
		if entry.Reason == proclog.ReasonNone {
			entry.Reason = proclog.ReasonExited
		}
	case proclog.OutcomeDone:
		if redo && !def.Interactive {
			entry.Outcome = proclog.OutcomeRedone
		}
	}
	return entry, nil
}

// upstreamEdited reports whether any transitive predecessor's latest outcome
// is Edit.
func (e *Engine) upstreamEdited(ctx context.Context, def pipeline.StepDefinition, code string) (bool, error) {
	upstream := e.registry.Upstream(def.Name)
	if len(upstream) == 0 {
		return false, nil
	}
	latest, err := e.store.LatestForCase(ctx, code)
	if err != nil {
		return false, fmt.Errorf("read case history: %w", err)
	}
	for _, step := range upstream {
		if entry, ok := latest[step]; ok && entry.Outcome == proclog.OutcomeEdit {
			return true, nil
		}
	}
	return false, nil
}

// renewLease refreshes a leased lock every third of its TTL while a review is
// open. The returned func stops the renewer and waits for it to exit.
func (e *Engine) renewLease(ctx context.Context, logger *slog.Logger, lock *reviewlock.Lock) func() {
	if lock == nil || lock.Token == "" || lock.ExpiresAt.IsZero() {
		return func() {}
	}
	ttl := lock.ExpiresAt.Sub(lock.AcquiredAt)
	if ttl <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		current := *lock
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			renewed, err := e.locker.Refresh(ctx, current)
			if err == nil {
				current = renewed
				logger.Debug("review lease renewed", logging.Time("expires_at", renewed.ExpiresAt))
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logging.WarnWithContext(logger, "failed to renew review lease", "lease_renew_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "another reviewer may claim the case once the lease lapses"),
				logging.String(logging.FieldErrorHint, "check the review lock backend; 'dtiqc lock list' shows current holders"),
			)
			if errors.Is(err, reviewlock.ErrLockLost) {
				return
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (e *Engine) release(ctx context.Context, lock reviewlock.Lock) {
	if lock.Token == "" {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := e.locker.Release(releaseCtx, lock); err != nil {
		logging.WarnWithContext(e.logger, "failed to release review lock", "lock_release_failed",
			logging.String(logging.FieldCase, lock.Code),
			logging.Error(err),
			logging.String(logging.FieldImpact, "case stays locked"),
			logging.String(logging.FieldErrorHint, "run 'dtiqc lock clear "+lock.Code+"'"),
		)
	}
}

func (e *Engine) afterAppend(ctx context.Context, logger *slog.Logger, res Result) {
	outcome := string(res.Entry.Outcome)
	e.metrics.observe(res.Step, outcome, res.Duration)

	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "step_recorded"),
		logging.String(logging.FieldOutcome, res.Entry.Label()),
		logging.Duration("duration", res.Duration),
	}
	if res.Next != "" {
		attrs = append(attrs, logging.String("next", res.Next))
	}

	switch res.Entry.Outcome {
	case proclog.OutcomeError:
		attrs = append(attrs,
			logging.Error(res.Err),
			logging.String("error_kind", string(KindOf(res.Err))),
			logging.String(logging.FieldErrorHint, fmt.Sprintf("fix the cause, then 'dtiqc reset %s %s'", res.Code, res.Step)),
		)
		logging.ErrorWithContext(logger, "step failed", "step_error", attrs...)
		if e.notifier != nil {
			if err := e.notifier.Publish(context.WithoutCancel(ctx), notifications.EventStepError, notifications.Payload{
				"code":  res.Code,
				"step":  res.Step,
				"error": res.Entry.Comments,
			}); err != nil {
				logger.Debug("step error notification failed", logging.Error(err))
			}
		}
	case proclog.OutcomeCancelled:
		logger.Info("step cancelled", logging.Args(attrs...)...)
	default:
		logger.Info("step recorded", logging.Args(attrs...)...)
	}

	if err := e.events.Publish(context.WithoutCancel(ctx), events.FromEntry(res.Entry, res.Next, res.Duration, res.CorrelationID)); err != nil {
		logging.WarnWithContext(logger, "outcome event not published", "event_publish_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "event consumers miss this outcome"),
		)
	}
}

package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"dtiqc/internal/logging"
	"dtiqc/internal/pipeline"
	"dtiqc/internal/proclog"
	"dtiqc/internal/reviewlock"
)

// Source is the read side of the processing log the selector consults.
type Source interface {
	Ready(ctx context.Context, step string, predecessors []string) ([]proclog.Candidate, error)
	Latest(ctx context.Context, code, step string) (*proclog.Entry, error)
}

// Claim is a case handed to a worker together with the lock it holds. The
// holder must release the lock; engine.RunClaim does so on every path.
type Claim struct {
	Code       string
	Step       string
	Lock       reviewlock.Lock
	ReadySince time.Time
	// Resumed marks a case the operator previously left without a verdict.
	Resumed bool
}

// Pending is one row of a step's queue for display.
type Pending struct {
	Code       string
	ReadySince time.Time
	// Cancelled is the step's latest entry when the case was cancelled before.
	Cancelled *proclog.Entry
	// Holder is set when the case is currently locked.
	Holder *reviewlock.Lock
}

// Options wires a Selector. Policy defaults to Random.
type Options struct {
	Operator string
	Source   Source
	Locker   reviewlock.Locker
	Registry *pipeline.Registry
	Policy   Policy
	Logger   *slog.Logger
}

// Selector picks and claims the next case for a step.
type Selector struct {
	operator string
	source   Source
	locker   reviewlock.Locker
	registry *pipeline.Registry
	policy   Policy
	logger   *slog.Logger
}

// New validates opts and builds a Selector.
func New(opts Options) (*Selector, error) {
	if opts.Source == nil || opts.Locker == nil || opts.Registry == nil {
		return nil, errors.New("selector: source, locker, and registry are required")
	}
	if opts.Policy == nil {
		opts.Policy = NewRandom(nil)
	}
	return &Selector{
		operator: opts.Operator,
		source:   opts.Source,
		locker:   opts.Locker,
		registry: opts.Registry,
		policy:   opts.Policy,
		logger:   logging.NewComponentLogger(opts.Logger, "selector"),
	}, nil
}

// Policy returns the active selection policy.
func (s *Selector) Policy() Policy { return s.policy }

// NextOption adjusts a single call to Next.
type NextOption func(*nextOptions)

type nextOptions struct {
	exclude map[string]bool
}

// Excluding keeps the listed codes out of the candidates, for a session that
// has already offered them once.
func Excluding(codes map[string]bool) NextOption {
	return func(o *nextOptions) { o.exclude = codes }
}

// Next claims the next case for step. Cases the operator cancelled without a
// skip are offered first, oldest cancellation first; the rest follow the
// policy. A nil claim with a nil error means nothing is available.
func (s *Selector) Next(ctx context.Context, step string, opts ...NextOption) (*Claim, error) {
	var o nextOptions
	for _, opt := range opts {
		opt(&o)
	}
	def, err := s.registry.Resolve(step)
	if err != nil {
		return nil, err
	}
	candidates, err := s.source.Ready(ctx, def.Name, def.Predecessors)
	if err != nil {
		return nil, fmt.Errorf("ready cases for %s: %w", def.Name, err)
	}
	if len(o.exclude) > 0 {
		kept := candidates[:0]
		for _, c := range candidates {
			if !o.exclude[c.Code] {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	resumable, rest := s.partition(candidates)
	ordered := append(resumable, s.policy.Order(def.Name, rest)...)
	resumed := make(map[string]bool, len(resumable))
	for _, c := range resumable {
		resumed[c.Code] = true
	}

	for _, candidate := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		claim, err := s.claim(ctx, def.Name, candidate, resumed[candidate.Code])
		if errors.Is(err, reviewlock.ErrAlreadyUnderReview) {
			s.logger.Debug("candidate held, trying next",
				logging.String(logging.FieldCase, candidate.Code),
				logging.String(logging.FieldStep, def.Name),
				logging.Error(err),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		if claim != nil {
			return claim, nil
		}
	}
	return nil, nil
}

// ClaimCase claims code for step when it is ready. A nil claim with a nil
// error means the case is not ready, including when it was finished between
// the readiness read and the lock acquire. A held case returns an error
// wrapping reviewlock.ErrAlreadyUnderReview.
func (s *Selector) ClaimCase(ctx context.Context, step, code string) (*Claim, error) {
	def, err := s.registry.Resolve(step)
	if err != nil {
		return nil, err
	}
	candidates, err := s.source.Ready(ctx, def.Name, def.Predecessors)
	if err != nil {
		return nil, fmt.Errorf("ready cases for %s: %w", def.Name, err)
	}
	for _, candidate := range candidates {
		if candidate.Code == code {
			return s.claim(ctx, def.Name, candidate, s.isOwnOpenCancellation(candidate.Latest))
		}
	}
	return nil, nil
}

// claim locks candidate and confirms it is still ready. It returns a nil
// claim when the case was finished in the meantime.
func (s *Selector) claim(ctx context.Context, step string, candidate proclog.Candidate, resumed bool) (*Claim, error) {
	lock, err := s.locker.Acquire(ctx, candidate.Code, step)
	if errors.Is(err, reviewlock.ErrAlreadyUnderReview) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", candidate.Code, err)
	}

	stillReady, err := s.stillReady(ctx, candidate.Code, step)
	if err != nil || !stillReady {
		s.release(ctx, lock)
		return nil, err
	}

	if obs, ok := s.policy.(claimObserver); ok {
		obs.Claimed(step, candidate.Code)
	}
	s.logger.Debug("case claimed",
		logging.String(logging.FieldCase, candidate.Code),
		logging.String(logging.FieldStep, step),
		logging.String("policy", s.policy.Name()),
		logging.Bool("resumed", resumed),
	)
	return &Claim{
		Code:       candidate.Code,
		Step:       step,
		Lock:       lock,
		ReadySince: candidate.ReadySince,
		Resumed:    resumed,
	}, nil
}

// Ready lists the queue for step along with current lock holders.
func (s *Selector) Ready(ctx context.Context, step string) ([]Pending, error) {
	def, err := s.registry.Resolve(step)
	if err != nil {
		return nil, err
	}
	candidates, err := s.source.Ready(ctx, def.Name, def.Predecessors)
	if err != nil {
		return nil, fmt.Errorf("ready cases for %s: %w", def.Name, err)
	}
	locks, err := s.locker.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list review locks: %w", err)
	}
	holders := make(map[string]reviewlock.Lock, len(locks))
	for _, lock := range locks {
		holders[lock.Code] = lock
	}
	out := make([]Pending, 0, len(candidates))
	for _, c := range candidates {
		row := Pending{Code: c.Code, ReadySince: c.ReadySince, Cancelled: c.Latest}
		if lock, ok := holders[c.Code]; ok {
			lock := lock
			row.Holder = &lock
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *Selector) partition(candidates []proclog.Candidate) (resumable, rest []proclog.Candidate) {
	for _, c := range candidates {
		if s.isOwnOpenCancellation(c.Latest) {
			resumable = append(resumable, c)
		} else {
			rest = append(rest, c)
		}
	}
	sort.SliceStable(resumable, func(i, j int) bool {
		return resumable[i].Latest.CompletedOn.Before(resumable[j].Latest.CompletedOn)
	})
	return resumable, rest
}

func (s *Selector) isOwnOpenCancellation(entry *proclog.Entry) bool {
	if entry == nil || entry.Outcome != proclog.OutcomeCancelled || !entry.Reason.Resumable() {
		return false
	}
	return strings.EqualFold(entry.CompletedBy, s.operator)
}

// stillReady guards against a case finished by another worker between the
// readiness read and the lock acquire.
func (s *Selector) stillReady(ctx context.Context, code, step string) (bool, error) {
	latest, err := s.source.Latest(ctx, code, step)
	if err != nil {
		return false, fmt.Errorf("recheck %s: %w", code, err)
	}
	return latest == nil || !latest.Outcome.Terminal(), nil
}

func (s *Selector) release(ctx context.Context, lock reviewlock.Lock) {
	if err := s.locker.Release(context.WithoutCancel(ctx), lock); err != nil {
		logging.WarnWithContext(s.logger, "failed to release review lock", "lock_release_failed",
			logging.String(logging.FieldCase, lock.Code),
			logging.Error(err),
			logging.String(logging.FieldImpact, "case stays locked"),
			logging.String(logging.FieldErrorHint, "run 'dtiqc lock clear "+lock.Code+"'"),
		)
	}
}

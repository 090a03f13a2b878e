package reviewlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyUnderReview is returned by Acquire when another claimant holds the case.
var ErrAlreadyUnderReview = errors.New("already under review")

// ErrLockLost is returned by Refresh when the marker no longer carries the
// caller's token.
var ErrLockLost = errors.New("review lock lost")

// Lock is the marker that records who is reviewing a case.
type Lock struct {
	Project    string    `json:"project"`
	Code       string    `json:"code"`
	Step       string    `json:"step"`
	Claimant   string    `json:"claimant"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	// ExpiresAt is zero unless a lease TTL is configured.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the lease on l has lapsed at now. Locks without a
// lease never expire.
func (l Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

// HeldError describes an Acquire that lost to an existing marker.
type HeldError struct {
	Lock Lock
}

func (e *HeldError) Error() string {
	claimant := e.Lock.Claimant
	if claimant == "" {
		claimant = "unknown"
	}
	msg := fmt.Sprintf("case %s is under review by %s", e.Lock.Code, claimant)
	if !e.Lock.AcquiredAt.IsZero() {
		msg += " since " + e.Lock.AcquiredAt.Local().Format(time.DateTime)
	}
	if e.Lock.Step != "" {
		msg += " (" + e.Lock.Step + ")"
	}
	return msg
}

func (e *HeldError) Unwrap() error { return ErrAlreadyUnderReview }

// Locker is implemented by every lock backend.
type Locker interface {
	// Acquire atomically creates the marker for code. It fails with a
	// *HeldError when a live marker already exists.
	Acquire(ctx context.Context, code, step string) (Lock, error)
	// Release removes the marker if it still carries lock's token. Releasing a
	// lock that no longer exists is not an error.
	Release(ctx context.Context, lock Lock) error
	// Refresh extends lock's lease to LeaseTTL from now and returns the
	// renewed lock. It fails with ErrLockLost when the marker was released,
	// cleared, or taken over. Without a lease TTL it returns lock unchanged.
	Refresh(ctx context.Context, lock Lock) (Lock, error)
	// Clear removes the marker for code regardless of owner.
	Clear(ctx context.Context, code string) error
	// Peek returns the current marker for code, or nil.
	Peek(ctx context.Context, code string) (*Lock, error)
	// List returns every marker in the project.
	List(ctx context.Context) ([]Lock, error)
	Close() error
}

// Options configures the claimant identity shared by every backend.
type Options struct {
	Project  string
	Claimant string
	// LeaseTTL lets an expired marker be taken over. Zero disables expiry.
	LeaseTTL time.Duration
	Now      func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o Options) newLock(code, step string) Lock {
	now := o.now()
	lock := Lock{
		Project:    o.Project,
		Code:       code,
		Step:       step,
		Claimant:   o.Claimant,
		Token:      uuid.NewString(),
		AcquiredAt: now,
	}
	if o.LeaseTTL > 0 {
		lock.ExpiresAt = now.Add(o.LeaseTTL)
	}
	return lock
}

func (o Options) renewed(lock Lock) Lock {
	lock.ExpiresAt = o.now().Add(o.LeaseTTL)
	return lock
}

func lostError(lock Lock) error {
	return fmt.Errorf("%w: %s (%s)", ErrLockLost, lock.Code, lock.Step)
}

func validateCode(code string) error {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return errors.New("case code is required")
	}
	if trimmed != code || strings.ContainsAny(code, `/\`) || code == "." || code == ".." {
		return fmt.Errorf("invalid case code %q", code)
	}
	return nil
}

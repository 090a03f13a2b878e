// Package reviewlock provides the crash-aware mutual exclusion that keeps two
// reviewers off the same case.
//
// A lock is created with an atomic exclusive-create primitive: the create
// fails when a marker already exists, and that failure is reported as
// ErrAlreadyUnderReview wrapped in a *HeldError that carries the existing
// marker so callers can say who holds the case and since when. There is at
// most one lock per case within a project regardless of step.
//
// Three backends share the Locker interface: marker files created with
// O_CREATE|O_EXCL, rows in the processing log database guarded by a primary
// key, and redis keys written with SET NX. A marker left behind by a crashed
// session keeps the case locked until it is cleared with Clear, unless a lease
// TTL is configured, in which case an expired marker may be taken over by the
// next claimant.
package reviewlock

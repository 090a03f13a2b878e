// Package selector hands ready cases to workers and reviewers.
//
// A Selector asks the processing log which cases are ready for a step, puts
// the operator's own interrupted reviews first, orders the rest with a
// Policy, and claims the review lock on the first case it can get. Cases held
// by someone else are skipped. The readiness read and the lock are not one
// transaction, so a claimed case is re-checked against the log before it is
// returned.
package selector

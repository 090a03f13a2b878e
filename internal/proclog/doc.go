// Package proclog persists the append-only processing log and exposes the
// read contracts the pipeline engine and queue selector are built on.
//
// Every step invocation appends exactly one Entry. Nothing is ever updated in
// place: the latest entry for a (project, process, code, step) tuple, ordered
// by completed_on and then id, is the authoritative state of that step for the
// case. Readiness ("which cases may run step S now"), open cancellations, and
// redo detection are all derived from those latest entries.
//
// The Store speaks SQLite through modernc.org/sqlite by default and PostgreSQL
// through lib/pq for shared deployments. The same database also hosts the
// review_locks table used by the sql review lock backend and the roi_stats
// table written by the final statistics step. Schema changes bump the version
// in schema.go; reset the database to adopt the new schema.
package proclog

package testsupport

import (
	"context"
	"testing"
	"time"

	"dtiqc/internal/config"
	"dtiqc/internal/proclog"
)

// MustOpenStore opens a proclog.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *proclog.Store {
	t.Helper()

	store, err := proclog.Open(cfg)
	if err != nil {
		t.Fatalf("proclog.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// Record appends an entry for code at step with the given outcome and
// completion time.
func Record(t testing.TB, store *proclog.Store, code, step string, outcome proclog.Outcome, at time.Time) proclog.Entry {
	t.Helper()
	return RecordEntry(t, store, proclog.Entry{
		Code:        code,
		Step:        step,
		Outcome:     outcome,
		CompletedBy: "tester",
		CompletedOn: at,
	})
}

// RecordEntry appends entry as given.
func RecordEntry(t testing.TB, store *proclog.Store, entry proclog.Entry) proclog.Entry {
	t.Helper()
	stored, err := store.Append(context.Background(), entry)
	if err != nil {
		t.Fatalf("append %s/%s: %v", entry.Code, entry.Step, err)
	}
	return stored
}

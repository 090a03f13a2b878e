package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"dtiqc/internal/engine"
	"dtiqc/internal/proclog"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantOut    proclog.Outcome
		wantReason proclog.Reason
		wantKind   engine.ErrorKind
	}{
		{"input missing", engine.InputMissing("TensorFit", "dwi.nii.gz"), proclog.OutcomeError, "", engine.KindInputMissing},
		{"wrapped sentinel", fmt.Errorf("stage: %w", engine.ErrMalformedInput), proclog.OutcomeError, "", engine.KindMalformedInput},
		{"duplicate stats", fmt.Errorf("insert: %w", proclog.ErrDuplicate), proclog.OutcomeError, "", engine.KindDuplicateRecord},
		{"tool", engine.Wrap(engine.KindTool, "Register", "exec", "exit status 1", nil), proclog.OutcomeError, "", engine.KindTool},
		{"skip", engine.Cancelled("MaskQC", proclog.ReasonSkipped), proclog.OutcomeCancelled, proclog.ReasonSkipped, engine.KindCancelled},
		{"operator sentinel", fmt.Errorf("review: %w", engine.ErrOperatorCancelled), proclog.OutcomeCancelled, proclog.ReasonExited, engine.KindCancelled},
		{"context", fmt.Errorf("wait: %w", context.Canceled), proclog.OutcomeCancelled, proclog.ReasonInterrupted, ""},
		{"plain", errors.New("boom"), proclog.OutcomeError, "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, reason := engine.Classify(tc.err)
			if out != tc.wantOut || reason != tc.wantReason {
				t.Fatalf("Classify = %s/%q, want %s/%q", out, reason, tc.wantOut, tc.wantReason)
			}
			if kind := engine.KindOf(tc.err); kind != tc.wantKind {
				t.Fatalf("KindOf = %q, want %q", kind, tc.wantKind)
			}
		})
	}
}

func TestStepErrorMatchesSentinel(t *testing.T) {
	err := engine.Wrap(engine.KindDuplicateRecord, "StoreStats", "insert", "stats already stored", proclog.ErrDuplicate)
	if !errors.Is(err, engine.ErrDuplicateRecord) {
		t.Fatal("expected StepError to match its kind sentinel")
	}
	if !errors.Is(err, proclog.ErrDuplicate) {
		t.Fatal("expected StepError to unwrap to its cause")
	}
	if got := err.Error(); got != "StoreStats insert: stats already stored: "+proclog.ErrDuplicate.Error() {
		t.Fatalf("unexpected message %q", got)
	}
}

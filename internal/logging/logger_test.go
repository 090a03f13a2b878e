package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dtiqc/internal/config"
	"dtiqc/internal/logging"
)

func TestNewFromConfigWritesJSONLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Logging.Level = "error"

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Error("tensor fit failed", logging.String(logging.FieldCase, "S001"))

	content, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, "dtiqc.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(content), &line); err != nil {
		t.Fatalf("expected json log line, got %q: %v", content, err)
	}
	if line["msg"] != "tensor fit failed" || line["case"] != "S001" || line["level"] != "error" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestConsoleLoggerScopesCaseAndStep(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logging.NewComponentLogger(logger, "engine").Info("step recorded",
		logging.String(logging.FieldCase, "S001"),
		logging.String(logging.FieldStep, "MaskQC"),
		logging.String(logging.FieldOutcome, "Pass"),
	)

	text := buf.String()
	if strings.Contains(text, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", text)
	}
	if !strings.Contains(text, "INFO  engine [S001/MaskQC] step recorded outcome=Pass") {
		t.Fatalf("unexpected console format: %q", text)
	}
}

func TestConsoleLoggerQuotesValuesAndFlattensGroups(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.WithGroup("tool").Warn("tool exited", logging.String("stderr", "bad header"), logging.Int("code", 2))

	text := buf.String()
	for _, want := range []string{"WARN  tool exited", `tool.stderr="bad header"`, "tool.code=2"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in %q", want, text)
		}
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Debug("message with caller")

	if !strings.Contains(buf.String(), "(logger_test.go:") {
		t.Fatalf("expected caller information in debug logs, got %q", buf.String())
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

func TestWithContextAddsCaseAndStep(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := logging.WithCase(context.Background(), "S002")
	ctx = logging.WithStep(ctx, "WarpQC")
	ctx = logging.WithRequestID(ctx, "req-1")
	logging.WithContext(ctx, logger).Info("hello")

	out := buf.String()
	for _, want := range []string{"case=S002", "step=WarpQC", "correlation_id=req-1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	logging.WarnWithContext(logger, "lock held", "lock_held", logging.String(logging.FieldImpact, "case skipped"))

	out := buf.String()
	if !strings.Contains(out, "event_type=lock_held") {
		t.Fatalf("expected event type, got %q", out)
	}
	if !strings.Contains(out, `error_hint="run 'dtiqc logs' for details"`) {
		t.Fatalf("expected default error hint, got %q", out)
	}
	if !strings.Contains(out, `impact="case skipped"`) {
		t.Fatalf("expected caller-provided impact, got %q", out)
	}
}

func TestTeeLoggerWritesToAllHandlers(t *testing.T) {
	var a, b bytes.Buffer
	base := slog.New(slog.NewTextHandler(&a, nil))
	logger := logging.TeeLogger(base, slog.NewJSONHandler(&b, nil))

	logger.Info("both")

	if !strings.Contains(a.String(), "both") || !strings.Contains(b.String(), "both") {
		t.Fatalf("expected message in both outputs: %q / %q", a.String(), b.String())
	}
}

func TestErrorWithContextPointsHintAtCase(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	logging.ErrorWithContext(logger, "tensor fit failed", "step_failed", logging.String(logging.FieldCase, "S003"))

	out := buf.String()
	if !strings.Contains(out, `error_hint="run 'dtiqc logs --case S003' for details"`) {
		t.Fatalf("expected case-scoped hint, got %q", out)
	}
	if strings.Contains(out, "impact=") {
		t.Fatalf("errors carry no default impact, got %q", out)
	}
}

package logging

import (
	"context"
	"log/slog"
	"strings"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldProject is the standardized structured logging key for the project name.
	FieldProject = "project"
	// FieldCase is the standardized structured logging key for case codes.
	FieldCase = "case"
	// FieldStep is the standardized structured logging key for pipeline step names.
	FieldStep = "step"
	// FieldOperator is the standardized structured logging key for the acting operator.
	FieldOperator = "operator"
	// FieldOutcome is the standardized structured logging key for recorded outcomes.
	FieldOutcome = "outcome"
	// FieldCorrelationID is the standardized structured logging key for invocation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies a log line for filtering (stage_start, lock_held, ...).
	FieldEventType = "event_type"
	// FieldErrorHint tells the operator what to do next.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
)

type contextKey string

const (
	caseKey      contextKey = "case"
	stepKey      contextKey = "step"
	requestIDKey contextKey = "request_id"
)

// WithCase annotates ctx with a case code.
func WithCase(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, caseKey, code)
}

// WithStep annotates ctx with a pipeline step name.
func WithStep(ctx context.Context, step string) context.Context {
	return context.WithValue(ctx, stepKey, step)
}

// WithRequestID annotates ctx with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the correlation identifier stored on ctx.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringFromContext(ctx, requestIDKey)
}

func stringFromContext(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(key).(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	fields := make([]slog.Attr, 0, 3)
	if code, ok := stringFromContext(ctx, caseKey); ok {
		fields = append(fields, slog.String(FieldCase, code))
	}
	if step, ok := stringFromContext(ctx, stepKey); ok {
		fields = append(fields, slog.String(FieldStep, step))
	}
	if rid, ok := stringFromContext(ctx, requestIDKey); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}

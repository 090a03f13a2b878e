package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dtiqc/internal/proclog"
)

// ErrorKind classifies a step failure.
type ErrorKind string

const (
	KindInputMissing    ErrorKind = "input_missing"
	KindMalformedInput  ErrorKind = "malformed_input"
	KindDuplicateRecord ErrorKind = "duplicate_record"
	KindCancelled       ErrorKind = "cancelled"
	KindTool            ErrorKind = "tool"
	// KindFault marks a recovered panic inside a step.
	KindFault ErrorKind = "fault"
)

var (
	ErrInputMissing      = errors.New("input missing")
	ErrMalformedInput    = errors.New("malformed input")
	ErrDuplicateRecord   = errors.New("duplicate record")
	ErrOperatorCancelled = errors.New("cancelled by operator")
	ErrToolFailed        = errors.New("tool failed")
)

var kindMarkers = map[ErrorKind]error{
	KindInputMissing:    ErrInputMissing,
	KindMalformedInput:  ErrMalformedInput,
	KindDuplicateRecord: ErrDuplicateRecord,
	KindCancelled:       ErrOperatorCancelled,
	KindTool:            ErrToolFailed,
}

// StepError is the structured error step closures return.
type StepError struct {
	Kind    ErrorKind
	Step    string
	Op      string
	Message string
	Reason  proclog.Reason
	Err     error
}

func (e *StepError) Error() string {
	var parts []string
	if e.Step != "" {
		parts = append(parts, e.Step)
	}
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if len(parts) == 0 {
		return msg
	}
	return strings.Join(parts, " ") + ": " + msg
}

func (e *StepError) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind so callers can use errors.Is without
// caring whether the step wrapped a sentinel or built a StepError directly.
func (e *StepError) Is(target error) bool {
	marker, ok := kindMarkers[e.Kind]
	return ok && marker == target
}

// ErrorKind exposes the classification for generic classifiers.
func (e *StepError) ErrorKind() string { return string(e.Kind) }

// Wrap builds a StepError of kind for step/op.
func Wrap(kind ErrorKind, step, op, message string, err error) error {
	return &StepError{Kind: kind, Step: step, Op: op, Message: message, Err: err}
}

// InputMissing reports a required input that does not exist.
func InputMissing(step, path string) error {
	return &StepError{Kind: KindInputMissing, Step: step, Op: "read", Message: fmt.Sprintf("%s not found", path)}
}

// Cancelled reports an operator stop with reason.
func Cancelled(step string, reason proclog.Reason) error {
	return &StepError{Kind: KindCancelled, Step: step, Message: "cancelled by operator", Reason: reason}
}

// Classify maps a step error to the outcome and reason recorded in the log.
// Context cancellation and operator cancellations become Cancelled; every
// other failure becomes Error.
func Classify(err error) (proclog.Outcome, proclog.Reason) {
	if err == nil {
		return proclog.OutcomeDone, proclog.ReasonNone
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) && stepErr.Kind == KindCancelled {
		reason := stepErr.Reason
		if reason == proclog.ReasonNone {
			reason = proclog.ReasonExited
		}
		return proclog.OutcomeCancelled, reason
	}
	if errors.Is(err, ErrOperatorCancelled) {
		return proclog.OutcomeCancelled, proclog.ReasonExited
	}
	if errors.Is(err, context.Canceled) {
		return proclog.OutcomeCancelled, proclog.ReasonInterrupted
	}
	return proclog.OutcomeError, proclog.ReasonNone
}

// KindOf returns the ErrorKind of err, or "" when it is unclassified.
func KindOf(err error) ErrorKind {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Kind
	}
	for kind, marker := range kindMarkers {
		if errors.Is(err, marker) {
			return kind
		}
	}
	if errors.Is(err, proclog.ErrDuplicate) {
		return KindDuplicateRecord
	}
	return ""
}

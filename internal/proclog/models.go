package proclog

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the recorded result of one step invocation for one case.
type Outcome string

const (
	OutcomeDone      Outcome = "Done"
	OutcomePass      Outcome = "Pass"
	OutcomeFail      Outcome = "Fail"
	OutcomeEdit      Outcome = "Edit"
	OutcomeError     Outcome = "Error"
	OutcomeCancelled Outcome = "Cancelled"
	// OutcomeRedone marks an automated step that re-ran downstream of a human edit.
	OutcomeRedone Outcome = "Redone"
)

var allOutcomes = []Outcome{
	OutcomeDone,
	OutcomePass,
	OutcomeFail,
	OutcomeEdit,
	OutcomeError,
	OutcomeCancelled,
	OutcomeRedone,
}

// Outcomes returns every known outcome in display order.
func Outcomes() []Outcome {
	out := make([]Outcome, len(allOutcomes))
	copy(out, allOutcomes)
	return out
}

// Success reports whether the outcome satisfies a successor's predecessor
// requirement.
func (o Outcome) Success() bool {
	switch o {
	case OutcomeDone, OutcomePass, OutcomeEdit, OutcomeRedone:
		return true
	default:
		return false
	}
}

// Terminal reports whether an entry with this outcome removes the case from
// the step's queue. Cancelled is the only requeueable outcome.
func (o Outcome) Terminal() bool {
	return o.Valid() && o != OutcomeCancelled
}

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	for _, candidate := range allOutcomes {
		if o == candidate {
			return true
		}
	}
	return false
}

func terminalOutcomes() []Outcome {
	out := make([]Outcome, 0, len(allOutcomes))
	for _, o := range allOutcomes {
		if o.Terminal() {
			out = append(out, o)
		}
	}
	return out
}

// Reason qualifies a Cancelled outcome.
type Reason string

const (
	ReasonNone Reason = ""
	// ReasonSkipped is an explicit operator skip; skipped cases are not resumed.
	ReasonSkipped Reason = "skipped"
	// ReasonExited is recorded when the reviewer quit without a verdict.
	ReasonExited Reason = "exited"
	// ReasonInterrupted is recorded when the invocation context was cancelled.
	ReasonInterrupted Reason = "interrupted"
)

// Resumable reports whether an open cancellation with this reason should be
// offered back to the same operator first.
func (r Reason) Resumable() bool {
	return r != ReasonSkipped
}

// ParseOutcome converts a stored or user-supplied label into an outcome and
// reason. The legacy "Skipped" label maps to Cancelled with ReasonSkipped.
func ParseOutcome(value string) (Outcome, Reason, error) {
	trimmed := strings.TrimSpace(value)
	if strings.EqualFold(trimmed, "skipped") {
		return OutcomeCancelled, ReasonSkipped, nil
	}
	for _, candidate := range allOutcomes {
		if strings.EqualFold(trimmed, string(candidate)) {
			return candidate, ReasonNone, nil
		}
	}
	return "", ReasonNone, fmt.Errorf("unknown outcome %q", value)
}

// Entry is a single immutable processing log record.
type Entry struct {
	ID          int64     `json:"id" yaml:"id"`
	Project     string    `json:"project" yaml:"project" validate:"required"`
	Process     string    `json:"process" yaml:"process" validate:"required"`
	Code        string    `json:"code" yaml:"code" validate:"required"`
	Step        string    `json:"step" yaml:"step" validate:"required"`
	Outcome     Outcome   `json:"outcome" yaml:"outcome" validate:"required,oneof=Done Pass Fail Edit Error Cancelled Redone"`
	Reason      Reason    `json:"reason,omitempty" yaml:"reason,omitempty" validate:"omitempty,oneof=skipped exited interrupted"`
	Comments    string    `json:"comments,omitempty" yaml:"comments,omitempty"`
	CompletedBy string    `json:"completed_by" yaml:"completed_by" validate:"required"`
	CompletedOn time.Time `json:"completed_on" yaml:"completed_on"`
}

// Label renders the outcome with its reason, e.g. "Cancelled (skipped)".
func (e Entry) Label() string {
	if e.Reason == ReasonNone {
		return string(e.Outcome)
	}
	return fmt.Sprintf("%s (%s)", e.Outcome, e.Reason)
}

// Candidate is a case eligible to run a step.
type Candidate struct {
	Code string
	// ReadySince is the latest completion time among the step's predecessors.
	ReadySince time.Time
	// Latest is the step's own latest entry, set only when it is a Cancelled entry.
	Latest *Entry
}

// StepCount is the number of cases whose latest entry for Step has Outcome.
type StepCount struct {
	Step    string  `json:"step" yaml:"step"`
	Outcome Outcome `json:"outcome" yaml:"outcome"`
	Count   int     `json:"count" yaml:"count"`
}

// ROIStat is one row of region-of-interest statistics for a scalar measure.
type ROIStat struct {
	Code    string  `validate:"required"`
	Measure string  `validate:"required"`
	ROI     string  `validate:"required"`
	Min     float64
	Max     float64
	Mean    float64
	Median  float64
	SD      float64
	Volume  float64
}

// Health summarizes the backing database for diagnostic output.
type Health struct {
	Driver        string
	Location      string
	SchemaVersion int
	Entries       int
	Cases         int
	Locks         int
}

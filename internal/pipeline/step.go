package pipeline

import (
	"context"
	"log/slog"

	"dtiqc/internal/proclog"
)

// Invocation carries the per-run facts a step closure needs.
type Invocation struct {
	Project  string
	Process  string
	Code     string
	Step     string
	Operator string
	// Redo is set when an upstream step's latest outcome is Edit, so automated
	// steps should consume the edited artifacts.
	Redo   bool
	Logger *slog.Logger
}

// Result is what a step closure reports back to the engine.
type Result struct {
	Outcome  proclog.Outcome
	Reason   proclog.Reason
	Comments string
}

// RunFunc executes a step for one case. Expected failures are returned as
// errors and classified by the engine; a nil error must come with an outcome.
type RunFunc func(ctx context.Context, inv Invocation) (Result, error)

// OutcomeTable maps each outcome an interactive step may record to the step
// that follows it. An empty target ends the case's path through the pipeline.
type OutcomeTable map[proclog.Outcome]string

// StepDefinition is one node of the pipeline graph.
type StepDefinition struct {
	Name         string
	Description  string
	Predecessors []string
	Interactive  bool
	// Editable marks interactive steps whose reviewer may edit an overlay.
	Editable bool
	// Next is the successor of an automated step after Done or Redone.
	Next string
	// Outcomes is the verdict table of an interactive step.
	Outcomes OutcomeTable
	Run      RunFunc
}

// Allowed reports whether outcome may be recorded for this step. Error and
// Cancelled are always allowed.
func (d StepDefinition) Allowed(outcome proclog.Outcome) bool {
	switch outcome {
	case proclog.OutcomeError, proclog.OutcomeCancelled:
		return true
	}
	if d.Interactive {
		_, ok := d.Outcomes[outcome]
		return ok
	}
	return outcome == proclog.OutcomeDone || outcome == proclog.OutcomeRedone
}

// AllowedOutcomes lists the outcomes Allowed accepts, in display order.
func (d StepDefinition) AllowedOutcomes() []proclog.Outcome {
	var out []proclog.Outcome
	for _, o := range proclog.Outcomes() {
		if d.Allowed(o) {
			out = append(out, o)
		}
	}
	return out
}

// NextStep resolves the successor for outcome. It returns "" when the outcome
// ends the case's path or leaves it waiting (Error, Cancelled, Fail).
func (d StepDefinition) NextStep(outcome proclog.Outcome) string {
	if !d.Allowed(outcome) {
		return ""
	}
	switch outcome {
	case proclog.OutcomeError, proclog.OutcomeCancelled:
		return ""
	}
	if d.Interactive {
		return d.Outcomes[outcome]
	}
	return d.Next
}

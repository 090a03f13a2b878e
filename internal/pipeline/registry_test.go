package pipeline_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"dtiqc/internal/pipeline"
	"dtiqc/internal/proclog"
)

func noop(context.Context, pipeline.Invocation) (pipeline.Result, error) {
	return pipeline.Result{Outcome: proclog.OutcomeDone}, nil
}

func sampleSteps() []pipeline.StepDefinition {
	return []pipeline.StepDefinition{
		{Name: "Stage", Next: "Fit", Run: noop},
		{Name: "Fit", Predecessors: []string{"Stage"}, Next: "MaskQC", Run: noop},
		{
			Name:         "MaskQC",
			Predecessors: []string{"Fit"},
			Interactive:  true,
			Editable:     true,
			Outcomes: pipeline.OutcomeTable{
				proclog.OutcomePass: "Apply",
				proclog.OutcomeEdit: "Apply",
				proclog.OutcomeFail: "",
			},
			Run: noop,
		},
		{Name: "Apply", Predecessors: []string{"MaskQC"}, Next: "Store", Run: noop},
		{Name: "Store", Predecessors: []string{"Apply"}, Run: noop},
	}
}

func TestRegistryAncestry(t *testing.T) {
	reg, err := pipeline.NewRegistry(sampleSteps()...)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	if got := reg.Upstream("Apply"); !reflect.DeepEqual(got, []string{"Stage", "Fit", "MaskQC"}) {
		t.Fatalf("unexpected upstream: %v", got)
	}
	if got := reg.Downstream("Fit"); !reflect.DeepEqual(got, []string{"MaskQC", "Apply", "Store"}) {
		t.Fatalf("unexpected downstream: %v", got)
	}
	if got := reg.Upstream("Stage"); len(got) != 0 {
		t.Fatalf("expected no upstream for first step, got %v", got)
	}
	if got := len(reg.Automated()); got != 4 {
		t.Fatalf("expected 4 automated steps, got %d", got)
	}

	def, err := reg.Resolve("maskqc")
	if err != nil || def.Name != "MaskQC" {
		t.Fatalf("Resolve = %v, %v", def.Name, err)
	}
	if _, err := reg.Resolve("nope"); !errors.Is(err, pipeline.ErrUnknownStep) {
		t.Fatalf("expected ErrUnknownStep, got %v", err)
	}
}

func TestStepDefinitionNextStep(t *testing.T) {
	reg, err := pipeline.NewRegistry(sampleSteps()...)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	qc, _ := reg.Get("MaskQC")
	fit, _ := reg.Get("Fit")

	tests := []struct {
		def     pipeline.StepDefinition
		outcome proclog.Outcome
		allowed bool
		next    string
	}{
		{qc, proclog.OutcomePass, true, "Apply"},
		{qc, proclog.OutcomeEdit, true, "Apply"},
		{qc, proclog.OutcomeFail, true, ""},
		{qc, proclog.OutcomeCancelled, true, ""},
		{qc, proclog.OutcomeDone, false, ""},
		{fit, proclog.OutcomeDone, true, "MaskQC"},
		{fit, proclog.OutcomeRedone, true, "MaskQC"},
		{fit, proclog.OutcomeError, true, ""},
		{fit, proclog.OutcomePass, false, ""},
	}
	for _, tt := range tests {
		if got := tt.def.Allowed(tt.outcome); got != tt.allowed {
			t.Errorf("%s.Allowed(%s) = %v, want %v", tt.def.Name, tt.outcome, got, tt.allowed)
		}
		if got := tt.def.NextStep(tt.outcome); got != tt.next {
			t.Errorf("%s.NextStep(%s) = %q, want %q", tt.def.Name, tt.outcome, got, tt.next)
		}
	}
}

func TestNewRegistryRejectsBadGraphs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func([]pipeline.StepDefinition) []pipeline.StepDefinition
		wantErr string
	}{
		{"duplicate", func(s []pipeline.StepDefinition) []pipeline.StepDefinition {
			return append(s, s[0])
		}, "declared twice"},
		{"forward predecessor", func(s []pipeline.StepDefinition) []pipeline.StepDefinition {
			s[1].Predecessors = []string{"Apply"}
			return s
		}, "must be declared first"},
		{"unknown next", func(s []pipeline.StepDefinition) []pipeline.StepDefinition {
			s[4].Next = "Publish"
			return s
		}, "not registered"},
		{"edit without editable", func(s []pipeline.StepDefinition) []pipeline.StepDefinition {
			s[2].Editable = false
			return s
		}, "requires an editable step"},
		{"verdict on automated", func(s []pipeline.StepDefinition) []pipeline.StepDefinition {
			s[1].Outcomes = pipeline.OutcomeTable{proclog.OutcomePass: ""}
			return s
		}, "only interactive"},
		{"missing run", func(s []pipeline.StepDefinition) []pipeline.StepDefinition {
			s[0].Run = nil
			return s
		}, "no run function"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pipeline.NewRegistry(tt.mutate(sampleSteps())...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

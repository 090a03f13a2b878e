package testsupport

import (
	"context"
	"testing"

	"dtiqc/internal/pipeline"
	"dtiqc/internal/proclog"
)

// Step names of the registry built by Registry.
const (
	StepStage     = "Stage"
	StepFit       = "Fit"
	StepMaskQC    = "MaskQC"
	StepApplyMask = "ApplyMask"
	StepWarpQC    = "WarpQC"
)

// Done is a run function that always succeeds.
func Done(context.Context, pipeline.Invocation) (pipeline.Result, error) {
	return pipeline.Result{Outcome: proclog.OutcomeDone}, nil
}

// Registry builds a five-step pipeline shaped like the DTI catalog:
// Stage -> Fit -> MaskQC (editable) -> ApplyMask -> WarpQC. Steps without an
// entry in runs use Done, or a Pass verdict for the review steps.
func Registry(t testing.TB, runs map[string]pipeline.RunFunc) *pipeline.Registry {
	t.Helper()

	pass := func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
		return pipeline.Result{Outcome: proclog.OutcomePass}, nil
	}
	run := func(name string, fallback pipeline.RunFunc) pipeline.RunFunc {
		if fn, ok := runs[name]; ok {
			return fn
		}
		return fallback
	}

	reg, err := pipeline.NewRegistry(
		pipeline.StepDefinition{Name: StepStage, Next: StepFit, Run: run(StepStage, Done)},
		pipeline.StepDefinition{Name: StepFit, Predecessors: []string{StepStage}, Next: StepMaskQC, Run: run(StepFit, Done)},
		pipeline.StepDefinition{
			Name:         StepMaskQC,
			Predecessors: []string{StepFit},
			Interactive:  true,
			Editable:     true,
			Outcomes: pipeline.OutcomeTable{
				proclog.OutcomePass: StepApplyMask,
				proclog.OutcomeEdit: StepApplyMask,
				proclog.OutcomeFail: "",
			},
			Run: run(StepMaskQC, pass),
		},
		pipeline.StepDefinition{Name: StepApplyMask, Predecessors: []string{StepMaskQC}, Next: StepWarpQC, Run: run(StepApplyMask, Done)},
		pipeline.StepDefinition{
			Name:         StepWarpQC,
			Predecessors: []string{StepApplyMask},
			Interactive:  true,
			Outcomes: pipeline.OutcomeTable{
				proclog.OutcomePass: "",
				proclog.OutcomeFail: "",
			},
			Run: run(StepWarpQC, pass),
		},
	)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

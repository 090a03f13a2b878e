package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dtiqc/internal/pipeline"
)

type stepView struct {
	Name         string            `json:"name" yaml:"name"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Interactive  bool              `json:"interactive" yaml:"interactive"`
	Editable     bool              `json:"editable,omitempty" yaml:"editable,omitempty"`
	Predecessors []string          `json:"predecessors,omitempty" yaml:"predecessors,omitempty"`
	Outcomes     []string          `json:"outcomes" yaml:"outcomes"`
	Next         map[string]string `json:"next,omitempty" yaml:"next,omitempty"`
}

func newStepView(def pipeline.StepDefinition) stepView {
	view := stepView{
		Name:         def.Name,
		Description:  def.Description,
		Interactive:  def.Interactive,
		Editable:     def.Editable,
		Predecessors: def.Predecessors,
		Next:         make(map[string]string),
	}
	for _, outcome := range def.AllowedOutcomes() {
		view.Outcomes = append(view.Outcomes, string(outcome))
		if next := def.NextStep(outcome); next != "" {
			view.Next[string(outcome)] = next
		}
	}
	return view
}

func newStepsCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "steps",
		Short: "List pipeline steps in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := normalizeOutput(output)
			if err != nil {
				return err
			}
			rt, err := ctx.newRuntime(cmd.Context(), cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defs := rt.registry.Steps()
			views := make([]stepView, 0, len(defs))
			for _, def := range defs {
				views = append(views, newStepView(def))
			}
			if ok, err := writeStructured(cmd, format, views); ok {
				return err
			}

			rows := make([][]string, 0, len(views))
			for _, v := range views {
				kind := "automated"
				if v.Interactive {
					kind = "review"
					if v.Editable {
						kind = "review (editable)"
					}
				}
				var next []string
				for _, outcome := range v.Outcomes {
					if target, ok := v.Next[outcome]; ok {
						next = append(next, outcome+" -> "+target)
					}
				}
				rows = append(rows, []string{
					v.Name,
					humanize(kind),
					dash(strings.Join(v.Predecessors, ", ")),
					strings.Join(v.Outcomes, ", "),
					dash(strings.Join(next, ", ")),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(columns("Step", "Type", "After", "Outcomes", "Next"), rows))
			return nil
		},
	}

	addOutputFlag(cmd, &output)
	return cmd
}

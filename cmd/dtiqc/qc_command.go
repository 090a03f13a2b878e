package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dtiqc/internal/engine"
	"dtiqc/internal/pipeline"
	"dtiqc/internal/proclog"
	"dtiqc/internal/selector"
)

func newQCCommand(ctx *commandContext) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "qc <step> [code]",
		Short: "Review cases for a QC step",
		Long: `Start an interactive review session for a QC step.

With a code, that case is reviewed if it is ready. Otherwise cases are handed
out by the queue policy, resuming any the operator left without a verdict
first, until the queue is empty or the reviewer quits.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.newRuntime(cmd.Context(), cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			def, err := rt.registry.Resolve(args[0])
			if err != nil {
				return err
			}
			if !def.Interactive {
				return fmt.Errorf("step %s is automated; use 'dtiqc run --steps %s' or 'dtiqc work %s'", def.Name, def.Name, def.Name)
			}
			if len(args) == 2 {
				return reviewCase(cmd, rt, def, strings.TrimSpace(args[1]))
			}
			return reviewQueue(cmd, rt, def, once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Review a single case and exit")
	return cmd
}

func reviewCase(cmd *cobra.Command, rt *runtime, def pipeline.StepDefinition, code string) error {
	claim, err := rt.selector.ClaimCase(cmd.Context(), def.Name, code)
	if err != nil {
		return err
	}
	if claim == nil {
		return fmt.Errorf("case %s is not ready for %s (see 'dtiqc history %s')", code, def.Name, code)
	}
	if claim.Resumed {
		fmt.Fprintf(cmd.OutOrStdout(), "Resuming %s (left without a verdict earlier)\n", claim.Code)
	}
	res, err := rt.engine.RunClaim(cmd.Context(), *claim)
	if err != nil {
		return err
	}
	reportVerdict(cmd, res)
	return nil
}

func reviewQueue(cmd *cobra.Command, rt *runtime, def pipeline.StepDefinition, once bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	seen := make(map[string]bool)
	reviewed := 0

	for {
		// Cases skipped earlier in this session stay in the queue.
		claim, err := rt.selector.Next(ctx, def.Name, selector.Excluding(seen))
		if err != nil {
			return err
		}
		if claim == nil {
			break
		}
		seen[claim.Code] = true
		if claim.Resumed {
			fmt.Fprintf(out, "Resuming %s (left without a verdict earlier)\n", claim.Code)
		}

		res, err := rt.engine.RunClaim(ctx, *claim)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		reviewed++
		reportVerdict(cmd, res)

		if once || ctx.Err() != nil {
			return nil
		}
		if res.Entry.Outcome == proclog.OutcomeCancelled && res.Entry.Reason != proclog.ReasonSkipped {
			return nil
		}
	}

	if reviewed == 0 {
		fmt.Fprintf(out, "No cases ready for %s\n", def.Name)
	} else {
		fmt.Fprintf(out, "Queue for %s is empty (%d reviewed)\n", def.Name, reviewed)
	}
	return nil
}

func reportVerdict(cmd *cobra.Command, res engine.Result) {
	printResults(cmd.OutOrStdout(), []engine.Result{res}, shouldColorize(cmd.OutOrStdout()))
	if res.Entry.Outcome == proclog.OutcomeError && res.Err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Reset with 'dtiqc reset %s %s' once the cause is fixed\n", res.Code, res.Step)
	}
}

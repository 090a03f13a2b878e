package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type queueRow struct {
	Code       string    `json:"code" yaml:"code"`
	ReadySince time.Time `json:"ready_since" yaml:"ready_since"`
	Status     string    `json:"status" yaml:"status"`
	HeldBy     string    `json:"held_by,omitempty" yaml:"held_by,omitempty"`
	HeldSince  time.Time `json:"held_since,omitzero" yaml:"held_since,omitempty"`
}

func newQueueCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "queue <step>",
		Short: "List cases ready for a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := normalizeOutput(output)
			if err != nil {
				return err
			}
			rt, err := ctx.newRuntime(cmd.Context(), cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			def, err := rt.registry.Resolve(args[0])
			if err != nil {
				return err
			}
			pending, err := rt.selector.Ready(cmd.Context(), def.Name)
			if err != nil {
				return err
			}

			rows := make([]queueRow, 0, len(pending))
			for _, p := range pending {
				row := queueRow{Code: p.Code, ReadySince: p.ReadySince, Status: "ready"}
				if p.Cancelled != nil {
					row.Status = p.Cancelled.Label()
				}
				if p.Holder != nil {
					row.Status = "under review"
					row.HeldBy = p.Holder.Claimant
					row.HeldSince = p.Holder.AcquiredAt
				}
				rows = append(rows, row)
			}

			if ok, err := writeStructured(cmd, format, rows); ok {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintf(out, "No cases ready for %s\n", def.Name)
				return nil
			}
			table := make([][]string, 0, len(rows))
			for _, r := range rows {
				held := "-"
				if r.HeldBy != "" {
					held = r.HeldBy + " since " + formatTime(r.HeldSince)
				}
				table = append(table, []string{r.Code, formatTime(r.ReadySince), r.Status, held})
			}
			fmt.Fprintln(out, renderTable(columns("Code", "Ready Since", "Status", "Held By"), table))
			fmt.Fprintf(out, "%d case(s) ready for %s (policy: %s)\n", len(rows), def.Name, rt.selector.Policy().Name())
			return nil
		},
	}

	addOutputFlag(cmd, &output)
	return cmd
}

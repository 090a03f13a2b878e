package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dtiqc/internal/proclog"
)

type historyView struct {
	Code     string            `json:"code" yaml:"code"`
	Entries  []proclog.Entry   `json:"entries" yaml:"entries"`
	ROIStats []proclog.ROIStat `json:"roi_stats,omitempty" yaml:"roi_stats,omitempty"`
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		output    string
		withStats bool
	)

	cmd := &cobra.Command{
		Use:   "history <code>",
		Short: "Show every processing log entry for a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := normalizeOutput(output)
			if err != nil {
				return err
			}
			store, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			code := strings.TrimSpace(args[0])
			entries, err := store.History(cmd.Context(), code)
			if err != nil {
				return err
			}
			view := historyView{Code: code, Entries: entries}
			if withStats {
				if view.ROIStats, err = store.ROIStats(cmd.Context(), code); err != nil {
					return err
				}
			}

			if ok, err := writeStructured(cmd, format, view); ok {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintf(out, "No entries recorded for %s\n", code)
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{formatTime(e.CompletedOn), e.Step, e.Label(), e.CompletedBy, dash(firstLine(e.Comments))})
			}
			fmt.Fprintln(out, renderTable(columns("Completed", "Step", "Outcome", "By", "Comments"), rows))

			if withStats && len(view.ROIStats) > 0 {
				rows = rows[:0]
				for _, s := range view.ROIStats {
					rows = append(rows, []string{
						s.Measure, s.ROI,
						formatFloat(s.Mean), formatFloat(s.Median), formatFloat(s.SD),
						formatFloat(s.Min), formatFloat(s.Max), formatFloat(s.Volume),
					})
				}
				fmt.Fprintln(out, renderTable(roiColumns, rows))
			}
			return nil
		},
	}

	addOutputFlag(cmd, &output)
	cmd.Flags().BoolVar(&withStats, "stats", false, "Include stored ROI statistics")
	return cmd
}

var roiColumns = []column{
	{title: "Measure"}, {title: "ROI"},
	{title: "Mean", numeric: true}, {title: "Median", numeric: true}, {title: "SD", numeric: true},
	{title: "Min", numeric: true}, {title: "Max", numeric: true}, {title: "Volume", numeric: true},
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.4g", v)
}

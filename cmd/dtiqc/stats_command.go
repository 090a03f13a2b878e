package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"dtiqc/internal/proclog"
)

type statsView struct {
	Driver        string              `json:"driver" yaml:"driver"`
	Location      string              `json:"location" yaml:"location"`
	SchemaVersion int                 `json:"schema_version" yaml:"schema_version"`
	Entries       int                 `json:"entries" yaml:"entries"`
	Cases         int                 `json:"cases" yaml:"cases"`
	Locks         int                 `json:"locks" yaml:"locks"`
	Steps         []proclog.StepCount `json:"steps" yaml:"steps"`
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the processing log by step and latest outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := normalizeOutput(output)
			if err != nil {
				return err
			}
			store, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			health, err := store.CheckHealth(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			view := statsView{
				Driver:        health.Driver,
				Location:      health.Location,
				SchemaVersion: health.SchemaVersion,
				Entries:       health.Entries,
				Cases:         health.Cases,
				Locks:         health.Locks,
				Steps:         counts,
			}
			if ok, err := writeStructured(cmd, format, view); ok {
				return err
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			for _, line := range renderSectionHeader("Processing log", colorize) {
				fmt.Fprintln(out, line)
			}
			fmt.Fprintln(out, renderStatusLine("Database", statusInfo, fmt.Sprintf("%s (%s)", view.Driver, view.Location), colorize))
			fmt.Fprintln(out, renderStatusLine("Schema", statusInfo, "v"+strconv.Itoa(view.SchemaVersion), colorize))
			fmt.Fprintln(out, renderStatusLine("Entries", statusInfo, fmt.Sprintf("%d across %d case(s)", view.Entries, view.Cases), colorize))
			fmt.Fprintln(out, renderStatusLine("Review locks", statusInfo, strconv.Itoa(view.Locks), colorize))
			if len(counts) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			rows := make([][]string, 0, len(counts))
			for _, c := range counts {
				rows = append(rows, []string{c.Step, string(c.Outcome), strconv.Itoa(c.Count)})
			}
			fmt.Fprintln(out, renderTable(append(columns("Step", "Latest Outcome"), column{title: "Cases", numeric: true}), rows))
			return nil
		},
	}

	addOutputFlag(cmd, &output)
	return cmd
}

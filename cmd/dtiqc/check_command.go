package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dtiqc/internal/preflight"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check binaries, directories, atlas files, and backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			var db preflight.Pinger
			store, storeErr := ctx.ensureStore()
			if storeErr == nil {
				db = store.DB()
			}

			results := preflight.RunAll(cmd.Context(), cfg, db)
			for _, line := range renderSectionHeader("Preflight", colorize) {
				fmt.Fprintln(out, line)
			}
			if storeErr != nil {
				results = append(results, preflight.Result{Name: "Database (" + cfg.Database.Driver + ")", Detail: storeErr.Error()})
			}
			for _, r := range results {
				kind := statusOK
				switch {
				case !r.Passed && r.Optional:
					kind = statusWarn
				case !r.Passed:
					kind = statusError
				}
				fmt.Fprintln(out, renderStatusLine(r.Name, kind, r.Detail, colorize))
			}

			if failed := preflight.Failed(results); len(failed) > 0 {
				return fmt.Errorf("%d required check(s) failed", len(failed))
			}
			return nil
		},
	}
}

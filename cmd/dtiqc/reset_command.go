package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dtiqc/internal/logging"
)

func newResetCommand(ctx *commandContext) *cobra.Command {
	var (
		cascade    bool
		purgeStats bool
	)

	cmd := &cobra.Command{
		Use:   "reset <code> <step>",
		Short: "Delete log entries so a step runs again",
		Long: `Delete the processing log entries for a case at a step so it is queued again.

Use this after fixing the cause of an Error, or to send a case back for review.
With --cascade every step downstream of <step> is reset as well. With
--purge-stats the case's stored ROI statistics are removed so StoreStats can
record them again.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.newRuntime(cmd.Context(), cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			code := strings.TrimSpace(args[0])
			def, err := rt.registry.Resolve(args[1])
			if err != nil {
				return err
			}
			if lock, err := rt.locker.Peek(cmd.Context(), code); err != nil {
				return err
			} else if lock != nil && !lock.Expired(time.Now()) {
				return fmt.Errorf("%s is under review by %s; reset it once the session ends or clear the lock", code, dash(lock.Claimant))
			}

			steps := []string{def.Name}
			if cascade {
				steps = append(steps, rt.registry.Downstream(def.Name)...)
			}
			removed, err := rt.store.Reset(cmd.Context(), code, steps)
			if err != nil {
				return err
			}
			var purged int64
			if purgeStats {
				if purged, err = rt.store.DeleteROIStats(cmd.Context(), code); err != nil {
					return err
				}
			}

			rt.logger.Info("case reset",
				logging.String(logging.FieldEventType, "case_reset"),
				logging.String(logging.FieldCase, code),
				logging.Any("steps", steps),
				logging.Int64("entries", removed),
				logging.Int64("roi_stats", purged),
			)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Removed %d entr%s for %s at %s\n", removed, plural(removed, "y", "ies"), code, strings.Join(steps, ", "))
			if purgeStats {
				fmt.Fprintf(out, "Removed %d ROI statistic row%s\n", purged, plural(purged, "", "s"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&cascade, "cascade", false, "Also reset every downstream step")
	cmd.Flags().BoolVar(&purgeStats, "purge-stats", false, "Also delete stored ROI statistics for the case")
	return cmd
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

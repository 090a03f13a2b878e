package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dtiqc/internal/logging"
	"dtiqc/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var (
		lines  int
		follow bool
		code   string
		step   string
		level  string
		raw    bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the activity log",
		Long: `Show recent records from <log_dir>/dtiqc.log.

Filter by --case or --step to see what happened to one case across batch runs,
workers, and review sessions. With --follow new records are printed as they
are written.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			filter := logs.Filter{Case: strings.TrimSpace(code), Step: strings.TrimSpace(step)}
			if level != "" {
				if err := filter.MinLevel.UnmarshalText([]byte(level)); err != nil {
					return fmt.Errorf("invalid level %q", level)
				}
			} else {
				filter.MinLevel = slog.LevelDebug
			}

			out := cmd.OutOrStdout()
			emit := func(line string) {
				rec, ok := logs.Parse(line)
				if !ok {
					if filter.Case == "" && filter.Step == "" {
						fmt.Fprintln(out, line)
					}
					return
				}
				if !filter.Match(rec) {
					return
				}
				if raw {
					fmt.Fprintln(out, line)
					return
				}
				fmt.Fprintln(out, logs.Format(rec))
			}

			path := filepath.Join(cfg.Paths.LogDir, logging.LogFileName)
			// Filtering happens after the tail, so read further back when
			// only some records will be shown.
			window := lines
			if filter.Case != "" || filter.Step != "" {
				window = lines * 20
			}
			recent, offset, err := logs.Last(path, window)
			if err != nil {
				return err
			}
			if filter.Case != "" || filter.Step != "" {
				recent = lastMatching(recent, filter, lines)
			}
			for _, line := range recent {
				emit(line)
			}
			if !follow {
				return nil
			}
			return logs.Follow(cmd.Context(), path, offset, 500*time.Millisecond, emit)
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of records to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new records")
	cmd.Flags().StringVar(&code, "case", "", "Only records for this case code")
	cmd.Flags().StringVar(&step, "step", "", "Only records for this step")
	cmd.Flags().StringVar(&level, "level", "", "Minimum level: debug, info, warn, or error")
	cmd.Flags().BoolVar(&raw, "json", false, "Print records as stored")
	return cmd
}

func lastMatching(lines []string, filter logs.Filter, limit int) []string {
	var matched []string
	for _, line := range lines {
		if rec, ok := logs.Parse(line); ok && filter.Match(rec) {
			matched = append(matched, line)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dtiqc/internal/logging"
)

func newLockCommand(ctx *commandContext) *cobra.Command {
	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and clear review locks",
	}
	lockCmd.AddCommand(newLockListCommand(ctx))
	lockCmd.AddCommand(newLockShowCommand(ctx))
	lockCmd.AddCommand(newLockClearCommand(ctx))
	return lockCmd
}

func newLockListCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases currently under review",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := normalizeOutput(output)
			if err != nil {
				return err
			}
			locker, err := ctx.ensureLocker(cmd.Context())
			if err != nil {
				return err
			}
			locks, err := locker.List(cmd.Context())
			if err != nil {
				return err
			}
			if ok, err := writeStructured(cmd, format, locks); ok {
				return err
			}
			out := cmd.OutOrStdout()
			if len(locks) == 0 {
				fmt.Fprintln(out, "No cases under review")
				return nil
			}
			now := time.Now()
			rows := make([][]string, 0, len(locks))
			for _, l := range locks {
				expires := "never"
				if !l.ExpiresAt.IsZero() {
					expires = formatTime(l.ExpiresAt)
					if l.Expired(now) {
						expires += " (expired)"
					}
				}
				rows = append(rows, []string{l.Code, dash(l.Step), dash(l.Claimant), formatTime(l.AcquiredAt), expires})
			}
			fmt.Fprintln(out, renderTable(columns("Code", "Step", "Claimant", "Since", "Expires"), rows))
			return nil
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}

func newLockShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <code>",
		Short: "Show who holds the review lock for a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			locker, err := ctx.ensureLocker(cmd.Context())
			if err != nil {
				return err
			}
			code := strings.TrimSpace(args[0])
			lock, err := locker.Peek(cmd.Context(), code)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if lock == nil {
				fmt.Fprintf(out, "%s is not under review\n", code)
				return nil
			}
			fmt.Fprintf(out, "Code:     %s\n", lock.Code)
			fmt.Fprintf(out, "Step:     %s\n", dash(lock.Step))
			fmt.Fprintf(out, "Claimant: %s\n", dash(lock.Claimant))
			fmt.Fprintf(out, "Since:    %s\n", formatTime(lock.AcquiredAt))
			if !lock.ExpiresAt.IsZero() {
				fmt.Fprintf(out, "Expires:  %s (expired: %s)\n", formatTime(lock.ExpiresAt), yesNo(lock.Expired(time.Now())))
			}
			return nil
		},
	}
}

func newLockClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <code>...",
		Short: "Force-clear stale review locks",
		Long: `Force-clear review locks left behind by a session that died.

Only clear a lock when the reviewer holding it is no longer working on the
case; the next reviewer would otherwise overwrite their edits.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			locker, err := ctx.ensureLocker(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, arg := range args {
				code := strings.TrimSpace(arg)
				if err := locker.Clear(cmd.Context(), code); err != nil {
					return fmt.Errorf("clear lock for %s: %w", code, err)
				}
				logger.Info("review lock cleared", logging.String(logging.FieldCase, code), logging.String(logging.FieldEventType, "lock_cleared"))
				fmt.Fprintf(out, "Cleared review lock for %s\n", code)
			}
			return nil
		},
	}
}

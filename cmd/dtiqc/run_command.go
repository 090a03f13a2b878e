package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dtiqc/internal/engine"
	"dtiqc/internal/intake"
	"dtiqc/internal/logging"
	"dtiqc/internal/notifications"
	"dtiqc/internal/preflight"
	"dtiqc/internal/proclog"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		steps     []string
		match     string
		watch     bool
		skipCheck bool
	)

	cmd := &cobra.Command{
		Use:   "run [code...]",
		Short: "Run automated steps for cases in the input directory",
		Long: `Run automated steps for each case.

With no codes, every case directory under paths.input_dir matching --match is
processed in sorted order. With no --steps, each case follows the pipeline from
its first step until it reaches a review step. Steps already recorded are not
run again; use 'dtiqc reset' to requeue them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.newRuntime(cmd.Context(), cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			if !skipCheck {
				if err := runPreflight(cmd, rt); err != nil {
					return err
				}
			}

			codes := args
			if len(codes) == 0 {
				codes, err = intake.Discover(rt.cfg.Paths.InputDir, match)
				if err != nil {
					return err
				}
			}

			b := &batch{cmd: cmd, rt: rt, steps: steps, colorize: shouldColorize(cmd.OutOrStdout())}
			b.start(len(codes))
			for _, code := range codes {
				if err := b.process(cmd.Context(), code); err != nil {
					return b.finish(err)
				}
			}

			if watch {
				if err := b.watch(cmd.Context(), match, codes); err != nil {
					return b.finish(err)
				}
			} else if len(codes) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No cases found in %s\n", rt.cfg.Paths.InputDir)
			}
			return b.finish(nil)
		},
	}

	cmd.Flags().StringSliceVarP(&steps, "steps", "s", nil, "Automated steps to run, in order (default: follow the pipeline)")
	cmd.Flags().StringVar(&match, "match", intake.DefaultPattern, "Glob selecting case directories under the input directory")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep running and process new cases as they appear")
	cmd.Flags().BoolVar(&skipCheck, "skip-check", false, "Skip binary and directory preflight checks")
	return cmd
}

func runPreflight(cmd *cobra.Command, rt *runtime) error {
	results := preflight.RunAll(cmd.Context(), rt.cfg, rt.store.DB())
	failed := preflight.Failed(results)
	if len(failed) == 0 {
		return nil
	}
	colorize := shouldColorize(cmd.ErrOrStderr())
	for _, r := range failed {
		fmt.Fprintln(cmd.ErrOrStderr(), renderStatusLine(r.Name, statusError, r.Detail, colorize))
	}
	return fmt.Errorf("%d preflight check(s) failed; run 'dtiqc check' for details or pass --skip-check", len(failed))
}

// batch tracks one invocation of run.
type batch struct {
	cmd      *cobra.Command
	rt       *runtime
	steps    []string
	colorize bool

	started   time.Time
	processed int
	failed    int
}

func (b *batch) start(cases int) {
	b.started = time.Now()
	b.rt.logger.Info("batch started",
		logging.String(logging.FieldEventType, "batch_start"),
		logging.Int("cases", cases),
		logging.Any("steps", b.steps),
	)
	b.notify(notifications.EventBatchStarted, notifications.Payload{"cases": cases})
}

// process runs the chain for one case. Step failures are recorded and
// counted; an error is returned only when the chain could not run or its
// outcome could not be recorded, which stops the batch.
func (b *batch) process(ctx context.Context, code string) error {
	results, err := b.rt.engine.RunChain(ctx, code, b.steps...)
	printResults(b.cmd.OutOrStdout(), results, b.colorize)
	b.processed++

	for _, res := range results {
		if res.Entry.Outcome == proclog.OutcomeError {
			b.failed++
			break
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(b.cmd.OutOrStdout(), renderStatusLine(code, statusError, err.Error(), b.colorize))
	}
	return err
}

func (b *batch) watch(ctx context.Context, match string, seen []string) error {
	w, err := intake.NewWatcher(b.rt.cfg.Paths.InputDir, match, seen, intake.WithLogger(b.rt.logger))
	if err != nil {
		return err
	}
	fmt.Fprintf(b.cmd.OutOrStdout(), "Watching %s for new cases (Ctrl+C to stop)\n", b.rt.cfg.Paths.InputDir)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	var procErr error
	for code := range w.Cases() {
		if procErr != nil {
			continue
		}
		if err := b.process(ctx, code); err != nil {
			procErr = err
			cancel()
		}
	}
	watchErr := <-errCh
	if procErr != nil && !errors.Is(procErr, context.Canceled) {
		return procErr
	}
	return watchErr
}

func (b *batch) finish(err error) error {
	elapsed := time.Since(b.started)
	b.rt.logger.Info("batch completed",
		logging.String(logging.FieldEventType, "batch_complete"),
		logging.Int("processed", b.processed),
		logging.Int("failed", b.failed),
		logging.Duration("duration", elapsed),
	)
	if b.processed > 0 {
		b.notify(notifications.EventBatchCompleted, notifications.Payload{
			"processed": b.processed,
			"failed":    b.failed,
			"duration":  elapsed,
		})
	}
	if err != nil {
		return err
	}
	if b.failed > 0 {
		return fmt.Errorf("%d of %d case(s) finished with errors", b.failed, b.processed)
	}
	return nil
}

func (b *batch) notify(event notifications.Event, payload notifications.Payload) {
	ctx := context.WithoutCancel(b.cmd.Context())
	if err := b.rt.notifier.Publish(ctx, event, payload); err != nil {
		logging.WarnWithContext(b.rt.logger, "batch notification failed", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldImpact, "no push notification sent"),
		)
	}
}

// printResults writes one line per step with its outcome and duration.
func printResults(out io.Writer, results []engine.Result, colorize bool) {
	for _, res := range results {
		label := res.Code + " " + res.Step
		if res.Blocked != "" {
			state := "no entry"
			if res.BlockedBy.Outcome != "" {
				state = res.BlockedBy.Label()
			}
			msg := fmt.Sprintf("waiting on %s (%s)", res.Blocked, state)
			fmt.Fprintln(out, renderStatusLine(label, statusWarn, msg, colorize))
			continue
		}
		msg := res.Entry.Label()
		switch {
		case res.Skipped:
			msg += " (already recorded " + formatTime(res.Entry.CompletedOn) + ")"
		default:
			msg += " in " + formatDuration(res.Duration)
		}
		if res.Entry.Outcome == proclog.OutcomeError && res.Err != nil {
			msg += ": " + firstLine(res.Err.Error())
		}
		if res.Next != "" && res.Entry.Outcome.Success() {
			msg += " -> " + res.Next
		}
		fmt.Fprintln(out, renderStatusLine(label, outcomeKind(res.Entry.Outcome), msg, colorize))
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

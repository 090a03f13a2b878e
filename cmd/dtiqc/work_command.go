package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"dtiqc/internal/engine"
	"dtiqc/internal/logging"
	"dtiqc/internal/proclog"
)

func newWorkCommand(ctx *commandContext) *cobra.Command {
	var (
		once     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "work <step>",
		Short: "Process ready cases for an automated step until interrupted",
		Long: `Claim ready cases for an automated step one at a time and run them.

Several workers may run the same step against a shared processing log; each
case is claimed by exactly one of them. When nothing is ready the worker sleeps
for the poll interval. Metrics are served at /metrics when metrics.listen is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			rt, err := ctx.newRuntime(cmd.Context(), cmd, runtimeOptions{registerer: reg})
			if err != nil {
				return err
			}
			def, err := rt.registry.Resolve(args[0])
			if err != nil {
				return err
			}
			if def.Interactive {
				return fmt.Errorf("step %s needs a reviewer; use 'dtiqc qc %s'", def.Name, def.Name)
			}
			if interval <= 0 {
				interval = time.Duration(rt.cfg.Queue.PollInterval) * time.Second
			}

			stopMetrics, err := serveMetrics(cmd.Context(), rt, reg)
			if err != nil {
				return err
			}
			defer stopMetrics()

			return workLoop(cmd.Context(), cmd, rt, def.Name, once, interval)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Process at most one case and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Idle poll interval (default: queue.poll_interval)")
	return cmd
}

func workLoop(ctx context.Context, cmd *cobra.Command, rt *runtime, step string, once bool, interval time.Duration) error {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	logger := logging.NewComponentLogger(rt.logger, "worker").With(logging.String(logging.FieldStep, step))
	logger.Info("worker started",
		logging.String("policy", rt.selector.Policy().Name()),
		logging.Duration("interval", interval),
	)

	idle := false
	for {
		claim, err := rt.selector.Next(ctx, step)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if claim == nil {
			if once {
				fmt.Fprintf(out, "No cases ready for %s\n", step)
				return nil
			}
			if !idle {
				logger.Info("queue empty, waiting", logging.String(logging.FieldEventType, "worker_idle"))
				idle = true
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
			continue
		}
		idle = false

		res, err := rt.engine.RunClaim(ctx, *claim)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		printResults(out, []engine.Result{res}, colorize)
		if once {
			if res.Entry.Outcome == proclog.OutcomeError {
				return fmt.Errorf("%s failed at %s", res.Code, res.Step)
			}
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// serveMetrics exposes reg on metrics.listen. The returned func shuts the
// listener down.
func serveMetrics(ctx context.Context, rt *runtime, reg *prometheus.Registry) (func(), error) {
	addr := strings.TrimSpace(rt.cfg.Metrics.Listen)
	if addr == "" {
		return func() {}, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.WarnWithContext(rt.logger, "metrics server stopped", "metrics_server_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "worker metrics are not scraped"),
			)
		}
	}()
	rt.logger.Info("serving metrics", logging.String("addr", ln.Addr().String()))
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

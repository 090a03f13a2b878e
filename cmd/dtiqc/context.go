package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"dtiqc/internal/config"
	"dtiqc/internal/dti"
	"dtiqc/internal/engine"
	"dtiqc/internal/events"
	"dtiqc/internal/imaging"
	"dtiqc/internal/logging"
	"dtiqc/internal/notifications"
	"dtiqc/internal/pipeline"
	"dtiqc/internal/proclog"
	"dtiqc/internal/review"
	"dtiqc/internal/reviewlock"
	"dtiqc/internal/selector"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	logger *slog.Logger
	store  *proclog.Store
	locker reviewlock.Locker
	events events.Publisher
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	if c.logger != nil {
		return c.logger, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	c.logger = logger.With(
		logging.String(logging.FieldProject, cfg.Pipeline.Project),
		logging.String(logging.FieldOperator, cfg.Pipeline.Operator),
	)
	return c.logger, nil
}

func (c *commandContext) ensureStore() (*proclog.Store, error) {
	if c.store != nil {
		return c.store, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	store, err := proclog.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open processing log: %w", err)
	}
	c.store = store
	return store, nil
}

func (c *commandContext) ensureLocker(ctx context.Context) (reviewlock.Locker, error) {
	if c.locker != nil {
		return c.locker, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	var store *proclog.Store
	if cfg.Review.LockBackend == config.LockBackendSQL {
		if store, err = c.ensureStore(); err != nil {
			return nil, err
		}
	}
	locker, err := reviewlock.Open(ctx, cfg, store)
	if err != nil {
		return nil, fmt.Errorf("open review locks: %w", err)
	}
	c.locker = locker
	return locker, nil
}

func (c *commandContext) close() error {
	var errs []error
	if c.events != nil {
		errs = append(errs, c.events.Close())
		c.events = nil
	}
	if c.locker != nil {
		errs = append(errs, c.locker.Close())
		c.locker = nil
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
		c.store = nil
	}
	return errors.Join(errs...)
}

// runtime is everything a command that executes steps needs.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *proclog.Store
	locker   reviewlock.Locker
	registry *pipeline.Registry
	engine   *engine.Engine
	selector *selector.Selector
	metrics  *engine.Metrics
	notifier notifications.Service
}

type runtimeOptions struct {
	// reviewer handles interactive steps; nil uses a terminal on the
	// command's stdin and stdout.
	reviewer review.Reviewer
	// registerer receives engine metrics; nil keeps them private.
	registerer prometheus.Registerer
}

func (c *commandContext) newRuntime(ctx context.Context, cmd *cobra.Command, opts runtimeOptions) (*runtime, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, err
	}
	store, err := c.ensureStore()
	if err != nil {
		return nil, err
	}
	locker, err := c.ensureLocker(ctx)
	if err != nil {
		return nil, err
	}

	tool, err := imaging.NewFromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	conv, err := imaging.NewDcm2niix(cfg.Tools.Dcm2niix, cfg.StepTimeout(), imaging.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	reviewer := opts.reviewer
	if reviewer == nil {
		reviewer = review.NewTerminal(cmd.InOrStdin(), cmd.OutOrStdout(), review.NewEditor(cfg))
	}
	catalog, err := dti.NewCatalog(dti.Options{
		Config:    cfg,
		Library:   tool,
		Converter: conv,
		Reviewer:  reviewer,
		Stats:     store,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	registry, err := catalog.Registry()
	if err != nil {
		return nil, err
	}

	if c.events == nil {
		pub, err := events.NewPublisher(cfg)
		if err != nil {
			logging.WarnWithContext(logger, "outcome events disabled", "events_unavailable",
				logging.Error(err),
				logging.String(logging.FieldImpact, "step outcomes are not published to NATS"),
			)
			pub = events.Nop{}
		}
		c.events = pub
	}

	notifier := notifications.NewService(cfg)
	metrics := engine.NewMetrics(opts.registerer)
	eng, err := engine.New(engine.Options{
		Project:  cfg.Pipeline.Project,
		Process:  cfg.Pipeline.Process,
		Operator: cfg.Pipeline.Operator,
		Store:    store,
		Locker:   locker,
		Registry: registry,
		Logger:   logger,
		Metrics:  metrics,
		Events:   c.events,
		Notifier: notifier,
	})
	if err != nil {
		return nil, err
	}
	policy, err := selector.NewPolicy(cfg.Queue.Policy)
	if err != nil {
		return nil, err
	}
	sel, err := selector.New(selector.Options{
		Operator: cfg.Pipeline.Operator,
		Source:   store,
		Locker:   locker,
		Registry: registry,
		Policy:   policy,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		locker:   locker,
		registry: registry,
		engine:   eng,
		selector: sel,
		metrics:  metrics,
		notifier: notifier,
	}, nil
}

// skipConfigLoad annotates commands that must run without a valid config.
const skipConfigLoad = "skipConfigLoad"

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[skipConfigLoad] == "true" {
			return true
		}
	}
	return false
}

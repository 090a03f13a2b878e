package preflight

import (
	"context"

	"dtiqc/internal/config"
	"dtiqc/internal/deps"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
	// Optional failures are reported but do not block processing.
	Optional bool
}

// Pinger is the slice of the processing log store the database check needs.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RunAll executes all applicable preflight checks for the given config.
// Checks are only run when the corresponding backend is selected. db may be
// nil when the store has not been opened.
func RunAll(ctx context.Context, cfg *config.Config, db Pinger) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	results = append(results, CheckDirectoryAccess("Process directory", cfg.Paths.ProcessDir))
	results = append(results, CheckDirectoryAccess("Input directory", cfg.Paths.InputDir))
	if cfg.Review.LockBackend == config.LockBackendFile {
		results = append(results, CheckDirectoryAccess("Lock directory", cfg.Paths.LockDir))
	}
	results = append(results, CheckTemplates(cfg.Tools.TemplateDir))

	for _, status := range deps.Locate(deps.ForConfig(cfg)...) {
		result := Result{Name: status.Name, Passed: status.Available(), Detail: status.Path, Optional: status.Optional}
		if status.Err != nil {
			result.Detail = status.Err.Error()
		}
		results = append(results, result)
	}

	if db != nil {
		results = append(results, CheckDatabase(ctx, cfg.Database.Driver, db))
	}
	if cfg.Review.LockBackend == config.LockBackendRedis {
		results = append(results, CheckRedis(ctx, cfg.Review.RedisAddr, cfg.Review.RedisDB))
	}
	return results
}

// Failed returns the required checks that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed && !r.Optional {
			out = append(out, r)
		}
	}
	return out
}

package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"dtiqc/internal/config"
)

// ConfigOption adjusts the config produced by NewConfig.
type ConfigOption func(testing.TB, *config.Config)

// NewConfig returns a config for project "testproj" whose directories and
// SQLite processing log live under a fresh temp dir.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths = config.Paths{
		ProcessDir: filepath.Join(base, "process"),
		InputDir:   filepath.Join(base, "incoming"),
		LogDir:     filepath.Join(base, "logs"),
		LockDir:    filepath.Join(base, "locks"),
	}
	cfg.Pipeline = config.Pipeline{Project: "testproj", Process: "dti", Operator: "tester"}
	cfg.Database = config.Database{Driver: config.DriverSQLite, DSN: filepath.Join(base, "logs", "proclog.db")}

	for _, opt := range opts {
		opt(t, &cfg)
	}
	return &cfg
}

// BaseDir is the temp directory holding every path NewConfig assigned.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.ProcessDir)
}

// WithOperator overrides the operator recorded in completed_by.
func WithOperator(name string) ConfigOption {
	return func(_ testing.TB, cfg *config.Config) { cfg.Pipeline.Operator = name }
}

// WithLockBackend selects the review lock backend.
func WithLockBackend(backend string) ConfigOption {
	return func(_ testing.TB, cfg *config.Config) { cfg.Review.LockBackend = backend }
}

// WithLeaseTTL enables review lock leases.
func WithLeaseTTL(seconds int) ConfigOption {
	return func(_ testing.TB, cfg *config.Config) { cfg.Review.LeaseTTLSeconds = seconds }
}

// WithPostgres points the processing log at DTIQC_TEST_POSTGRES_DSN, skipping
// the test when it is unset. The project name is unique per test so runs
// against a shared database do not see each other's entries.
func WithPostgres() ConfigOption {
	return func(t testing.TB, cfg *config.Config) {
		dsn := os.Getenv("DTIQC_TEST_POSTGRES_DSN")
		if dsn == "" {
			t.Skip("DTIQC_TEST_POSTGRES_DSN not set")
		}
		cfg.Database = config.Database{Driver: config.DriverPostgres, DSN: dsn}
		cfg.Pipeline.Project = "testproj-" + filepath.Base(BaseDir(cfg))
	}
}

// WithStubbedBinaries puts no-op executables named after names (default: the
// configured dcm2niix and imaging tool) at the front of PATH.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(t testing.TB, cfg *config.Config) {
		if len(names) == 0 {
			names = []string{cfg.Tools.Dcm2niix, cfg.Tools.ImagingTool}
		}
		binDir := filepath.Join(BaseDir(cfg), "bin")
		for _, name := range names {
			WriteExecutable(t, filepath.Join(binDir, name), "#!/bin/sh\nexit 0\n")
		}
		t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
}

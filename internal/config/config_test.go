package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"dtiqc/internal/config"
)

func TestLoadDefaultConfigUsesEnvAndExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("DTIQC_PROJECT", "study1")
	t.Setenv("DTIQC_OPERATOR", "reviewer-a")
	t.Setenv("DTIQC_DATABASE_DSN", "")
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantProcess := filepath.Join(tempHome, ".local", "share", "dtiqc", "projects")
	if cfg.Paths.ProcessDir != wantProcess {
		t.Fatalf("unexpected process dir: got %q want %q", cfg.Paths.ProcessDir, wantProcess)
	}
	if cfg.Pipeline.Project != "study1" {
		t.Fatalf("expected project from env, got %q", cfg.Pipeline.Project)
	}
	if cfg.Pipeline.Operator != "reviewer-a" {
		t.Fatalf("expected operator from env, got %q", cfg.Pipeline.Operator)
	}
	if cfg.Database.Driver != config.DriverSQLite {
		t.Fatalf("unexpected driver: %q", cfg.Database.Driver)
	}
	wantDSN := filepath.Join(tempHome, ".local", "share", "dtiqc", "logs", "proclog.db")
	if cfg.Database.DSN != wantDSN {
		t.Fatalf("unexpected sqlite dsn: got %q want %q", cfg.Database.DSN, wantDSN)
	}
	if cfg.Review.LockBackend != config.LockBackendFile {
		t.Fatalf("unexpected lock backend: %q", cfg.Review.LockBackend)
	}
	if cfg.LeaseTTL() != 0 {
		t.Fatalf("expected lease disabled by default, got %s", cfg.LeaseTTL())
	}
	if cfg.Queue.Policy != "random" {
		t.Fatalf("unexpected queue policy: %q", cfg.Queue.Policy)
	}
	if cfg.SubjectsDir() != filepath.Join(wantProcess, "study1", "subjects") {
		t.Fatalf("unexpected subjects dir: %q", cfg.SubjectsDir())
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("DTIQC_DATABASE_DSN", "")

	configPath := filepath.Join(t.TempDir(), "config.toml")
	payload := map[string]any{
		"paths": map[string]any{
			"process_dir": "~/proc",
			"lock_dir":    "~/locks",
		},
		"pipeline": map[string]any{
			"project":  "study2",
			"operator": "jdoe",
		},
		"review": map[string]any{
			"lock_backend":      "SQL",
			"lease_ttl_seconds": 900,
		},
		"queue": map[string]any{
			"policy": "priority",
		},
		"logging": map[string]any{
			"level": "WARNING",
		},
	}
	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: %q", resolved)
	}
	if cfg.Paths.ProcessDir != filepath.Join(tempHome, "proc") {
		t.Fatalf("unexpected process dir: %q", cfg.Paths.ProcessDir)
	}
	if cfg.Review.LockBackend != config.LockBackendSQL {
		t.Fatalf("expected lock backend to be normalized, got %q", cfg.Review.LockBackend)
	}
	if cfg.LeaseTTL().Minutes() != 15 {
		t.Fatalf("unexpected lease ttl: %s", cfg.LeaseTTL())
	}
	if cfg.Queue.Policy != "priority" {
		t.Fatalf("unexpected policy: %q", cfg.Queue.Policy)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("expected warning alias to normalize, got %q", cfg.Logging.Level)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	if _, err := os.Stat(cfg.Paths.ProcessDir); err != nil {
		t.Fatalf("expected process dir to be created: %v", err)
	}
}

func TestCreateSample(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("DTIQC_PROJECT", "")
	t.Setenv("DTIQC_OPERATOR", "")

	target := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(target); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "lock_backend") {
		t.Fatal("expected sample config to document lock_backend")
	}

	_, _, _, err = config.Load(target)
	if err == nil || !strings.Contains(err.Error(), "pipeline.project") {
		t.Fatalf("expected sample without project to fail validation, got %v", err)
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "missing project",
			mutate:  func(c *config.Config) { c.Pipeline.Project = "" },
			wantErr: "pipeline.project",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *config.Config) { c.Database.Driver = "mysql" },
			wantErr: "database.driver",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *config.Config) { c.Database.Driver = config.DriverPostgres; c.Database.DSN = "" },
			wantErr: "database.dsn",
		},
		{
			name:    "redis without address",
			mutate:  func(c *config.Config) { c.Review.LockBackend = config.LockBackendRedis },
			wantErr: "review.redis_addr",
		},
		{
			name:    "negative lease",
			mutate:  func(c *config.Config) { c.Review.LeaseTTLSeconds = -1 },
			wantErr: "review.lease_ttl_seconds",
		},
		{
			name:    "unknown policy",
			mutate:  func(c *config.Config) { c.Queue.Policy = "fifo" },
			wantErr: "queue.policy",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *config.Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Pipeline.Project = "study"
			cfg.Pipeline.Operator = "op"
			cfg.Database.DSN = "/tmp/proclog.db"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

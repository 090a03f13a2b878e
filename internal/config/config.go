package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	ProcessDir string `toml:"process_dir"`
	InputDir   string `toml:"input_dir"`
	LogDir     string `toml:"log_dir"`
	LockDir    string `toml:"lock_dir"`
}

// Pipeline identifies the project/process pair every log entry is recorded under
// and the operator name written into completed_by.
type Pipeline struct {
	Project  string `toml:"project" validate:"required"`
	Process  string `toml:"process" validate:"required"`
	Operator string `toml:"operator" validate:"required"`
}

// Database selects the processing log backend.
type Database struct {
	Driver string `toml:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `toml:"dsn"`
}

// Review contains review lock and reviewer session settings.
type Review struct {
	LockBackend string `toml:"lock_backend" validate:"oneof=file sql redis"`
	// LeaseTTLSeconds lets a lock whose session stopped renewing it be taken
	// over by another claimant.
	// Zero keeps locks until they are released or force-cleared.
	LeaseTTLSeconds int      `toml:"lease_ttl_seconds" validate:"gte=0"`
	RedisAddr       string   `toml:"redis_addr"`
	RedisDB         int      `toml:"redis_db" validate:"gte=0"`
	Editor          string   `toml:"editor"`
	EditorArgs      []string `toml:"editor_args"`
}

// Queue contains selection policy settings.
type Queue struct {
	Policy       string `toml:"policy" validate:"oneof=random roundrobin priority"`
	PollInterval int    `toml:"poll_interval" validate:"gt=0"`
}

// Tools contains external binaries the automated steps shell out to.
type Tools struct {
	Dcm2niix       string `toml:"dcm2niix"`
	ImagingTool    string `toml:"imaging_tool"`
	StepTimeout    int    `toml:"step_timeout" validate:"gte=0"`
	TemplateDir    string `toml:"template_dir"`
	DicomSubfolder string `toml:"dicom_subfolder"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout" validate:"gt=0"`
	Errors         bool   `toml:"errors"`
	Batch          bool   `toml:"batch"`
}

// Events contains configuration for the optional outcome event stream.
type Events struct {
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// Metrics contains the prometheus listener address for worker loops.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format" validate:"oneof=console json"`
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
}

// Config encapsulates all configuration values for dtiqc.
//
// Configuration sections by subsystem:
//   - Paths: processing tree, intake directory, logs, file locks
//   - Pipeline: project/process identity and operator name
//   - Database: processing log backend (sqlite or postgres)
//   - Review: review lock backend, lease, and editor launch
//   - Queue: selection policy for workers and reviewers
//   - Tools: dcm2niix and imaging tool binaries
//   - Notifications: ntfy push notification settings
//   - Events: NATS outcome events
//   - Metrics: prometheus listener
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Database      Database      `toml:"database"`
	Review        Review        `toml:"review"`
	Queue         Queue         `toml:"queue"`
	Tools         Tools         `toml:"tools"`
	Notifications Notifications `toml:"notifications"`
	Events        Events        `toml:"events"`
	Metrics       Metrics       `toml:"metrics"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/dtiqc/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("dtiqc.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the pipeline writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.ProcessDir, c.Paths.LogDir}
	if c.Review.LockBackend == LockBackendFile {
		dirs = append(dirs, c.Paths.LockDir)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// SubjectsDir returns the per-project directory that holds one folder per case.
func (c *Config) SubjectsDir() string {
	return filepath.Join(c.Paths.ProcessDir, c.Pipeline.Project, "subjects")
}

// LeaseTTL returns the review lock lease as a duration (zero disables expiry).
func (c *Config) LeaseTTL() time.Duration {
	if c.Review.LeaseTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Review.LeaseTTLSeconds) * time.Second
}

// StepTimeout returns the per-invocation timeout for automated tool calls.
func (c *Config) StepTimeout() time.Duration {
	if c.Tools.StepTimeout <= 0 {
		return 0
	}
	return time.Duration(c.Tools.StepTimeout) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() (string, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return string(data), nil
}

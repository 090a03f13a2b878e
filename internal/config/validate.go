package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return describeValidation(err)
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateReview(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Paths.ProcessDir) == "" {
		return errors.New("paths.process_dir must be set")
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Driver == DriverPostgres && strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database.dsn must be set when database.driver is postgres (or set DTIQC_DATABASE_DSN)")
	}
	return nil
}

func (c *Config) validateReview() error {
	switch c.Review.LockBackend {
	case LockBackendRedis:
		if c.Review.RedisAddr == "" {
			return errors.New("review.redis_addr must be set when review.lock_backend is redis")
		}
	case LockBackendFile:
		if strings.TrimSpace(c.Paths.LockDir) == "" {
			return errors.New("paths.lock_dir must be set when review.lock_backend is file")
		}
	}
	return nil
}

// describeValidation converts validator field errors into dotted TOML keys so
// messages point at the file the operator edits.
func describeValidation(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("invalid config: %w", err)
	}
	fe := fieldErrs[0]
	key := tomlKey(fe.StructNamespace())
	switch fe.Tag() {
	case "required":
		if key == "pipeline.project" {
			return errors.New("pipeline.project is required. Set DTIQC_PROJECT or edit the config file (create with 'dtiqc config init')")
		}
		return fmt.Errorf("%s is required", key)
	case "oneof":
		return fmt.Errorf("%s: unsupported value %q (expected one of: %s)", key, fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Errorf("%s must be positive", key)
	case "gte":
		return fmt.Errorf("%s must not be negative", key)
	default:
		return fmt.Errorf("%s failed %s validation", key, fe.Tag())
	}
}

var tomlSections = map[string]string{
	"Paths":         "paths",
	"Pipeline":      "pipeline",
	"Database":      "database",
	"Review":        "review",
	"Queue":         "queue",
	"Tools":         "tools",
	"Notifications": "notifications",
	"Events":        "events",
	"Metrics":       "metrics",
	"Logging":       "logging",
}

var tomlFields = map[string]string{
	"Project":         "project",
	"Process":         "process",
	"Operator":        "operator",
	"Driver":          "driver",
	"LockBackend":     "lock_backend",
	"LeaseTTLSeconds": "lease_ttl_seconds",
	"RedisDB":         "redis_db",
	"Policy":          "policy",
	"PollInterval":    "poll_interval",
	"StepTimeout":     "step_timeout",
	"RequestTimeout":  "request_timeout",
	"Format":          "format",
	"Level":           "level",
}

func tomlKey(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 0 && parts[0] == "Config" {
		parts = parts[1:]
	}
	if len(parts) != 2 {
		return strings.ToLower(strings.Join(parts, "."))
	}
	section, ok := tomlSections[parts[0]]
	if !ok {
		section = strings.ToLower(parts[0])
	}
	field, ok := tomlFields[parts[1]]
	if !ok {
		field = strings.ToLower(parts[1])
	}
	return section + "." + field
}

package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizePipeline()
	if err := c.normalizeDatabase(); err != nil {
		return err
	}
	c.normalizeReview()
	c.normalizeQueue()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.ProcessDir, err = expandPath(c.Paths.ProcessDir); err != nil {
		return fmt.Errorf("paths.process_dir: %w", err)
	}
	if c.Paths.InputDir, err = expandPath(c.Paths.InputDir); err != nil {
		return fmt.Errorf("paths.input_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LockDir) == "" {
		c.Paths.LockDir = defaultLockDir
	}
	if c.Paths.LockDir, err = expandPath(c.Paths.LockDir); err != nil {
		return fmt.Errorf("paths.lock_dir: %w", err)
	}
	if c.Tools.TemplateDir != "" {
		if c.Tools.TemplateDir, err = expandPath(c.Tools.TemplateDir); err != nil {
			return fmt.Errorf("tools.template_dir: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizePipeline() {
	c.Pipeline.Project = strings.TrimSpace(c.Pipeline.Project)
	if c.Pipeline.Project == "" {
		if value, ok := os.LookupEnv("DTIQC_PROJECT"); ok {
			c.Pipeline.Project = strings.TrimSpace(value)
		}
	}
	c.Pipeline.Process = strings.TrimSpace(c.Pipeline.Process)
	if c.Pipeline.Process == "" {
		c.Pipeline.Process = defaultProcess
	}
	c.Pipeline.Operator = strings.TrimSpace(c.Pipeline.Operator)
	if c.Pipeline.Operator == "" {
		if value, ok := os.LookupEnv("DTIQC_OPERATOR"); ok {
			c.Pipeline.Operator = strings.TrimSpace(value)
		}
	}
	if c.Pipeline.Operator == "" {
		if current, err := user.Current(); err == nil {
			c.Pipeline.Operator = current.Username
		}
	}
}

func (c *Config) normalizeDatabase() error {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" {
		c.Database.Driver = defaultDatabaseDriver
	}
	if c.Database.DSN == "" {
		if value, ok := os.LookupEnv("DTIQC_DATABASE_DSN"); ok {
			c.Database.DSN = strings.TrimSpace(value)
		}
	}
	if c.Database.Driver == DriverSQLite {
		if strings.TrimSpace(c.Database.DSN) == "" {
			c.Database.DSN = filepath.Join(c.Paths.LogDir, "proclog.db")
		}
		dsn, err := expandPath(c.Database.DSN)
		if err != nil {
			return fmt.Errorf("database.dsn: %w", err)
		}
		c.Database.DSN = dsn
	}
	return nil
}

func (c *Config) normalizeReview() {
	c.Review.LockBackend = strings.ToLower(strings.TrimSpace(c.Review.LockBackend))
	if c.Review.LockBackend == "" {
		c.Review.LockBackend = defaultLockBackend
	}
	c.Review.RedisAddr = strings.TrimSpace(c.Review.RedisAddr)
	if c.Review.RedisAddr == "" {
		if value, ok := os.LookupEnv("DTIQC_REDIS_ADDR"); ok {
			c.Review.RedisAddr = strings.TrimSpace(value)
		}
	}
	c.Review.Editor = strings.TrimSpace(c.Review.Editor)
}

func (c *Config) normalizeQueue() {
	c.Queue.Policy = strings.ToLower(strings.TrimSpace(c.Queue.Policy))
	if c.Queue.Policy == "" {
		c.Queue.Policy = defaultQueuePolicy
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = defaultQueuePollInterval
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
	c.Events.NATSURL = strings.TrimSpace(c.Events.NATSURL)
	c.Events.SubjectPrefix = strings.Trim(strings.TrimSpace(c.Events.SubjectPrefix), ".")
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = defaultEventsSubjectPrefix
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	switch c.Logging.Level {
	case "":
		c.Logging.Level = defaultLogLevel
	case "warning":
		c.Logging.Level = "warn"
	}
}

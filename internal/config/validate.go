package config

import (
	"fmt"
	"strings"
)

// Validate проверяет валидность конфигурации
func (c *Config) Validate() []error {
	var errors []error

	if c.Workspace.Path == "" {
		errors = append(errors, fmt.Errorf("workspace.path is required"))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errors = append(errors, fmt.Errorf("invalid logging.level: %s (expected: debug, info, warn, error)", c.Logging.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errors = append(errors, fmt.Errorf("invalid logging.format: %s (expected: json, text)", c.Logging.Format))
	}

	switch c.Store.Driver {
	case DriverFile:
		if c.Store.Dir == "" {
			errors = append(errors, fmt.Errorf("store.dir is required for the file driver"))
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			errors = append(errors, fmt.Errorf("store.dsn is required for the postgres driver"))
		}
	default:
		errors = append(errors, fmt.Errorf("invalid store.driver: %s (expected: file, postgres)", c.Store.Driver))
	}

	if c.Workers.JobWorkers < 0 {
		errors = append(errors, fmt.Errorf("workers.job_workers must be >= 0"))
	}
	if c.Workers.PollIntervalMs < 0 {
		errors = append(errors, fmt.Errorf("workers.poll_interval_ms must be > 0"))
	}
	if c.Workers.LeaseTimeoutMinutes < 0 {
		errors = append(errors, fmt.Errorf("workers.lease_timeout_minutes must be >= 0 (0 disables)"))
	}
	if c.Rules.PollIntervalMs < 0 {
		errors = append(errors, fmt.Errorf("rules.poll_interval_ms must be > 0"))
	}

	if c.Agents.IntervalSeconds < 0 {
		errors = append(errors, fmt.Errorf("agents.interval_seconds must be > 0"))
	}
	if c.Agents.TimeoutMinutes < 0 {
		errors = append(errors, fmt.Errorf("agents.timeout_minutes must be > 0"))
	}
	if c.Agents.MaxConcurrent < 0 {
		errors = append(errors, fmt.Errorf("agents.max_concurrent must be >= 1"))
	}

	if c.Runs.PageSize < 0 {
		errors = append(errors, fmt.Errorf("runs.page_size must be >= 1"))
	}

	if _, err := c.Schedule.Location(); err != nil {
		errors = append(errors, fmt.Errorf("invalid schedule.timezone: %w", err))
	}

	if c.Admin.Enabled && c.Admin.Addr == "" {
		errors = append(errors, fmt.Errorf("admin.addr is required when admin is enabled"))
	}

	return errors
}

// Package config provides configuration loading and validation for nexrun.
// It supports TOML configuration files with environment variable expansion,
// default values and validation.
//
// Configuration structure:
//   - [workspace]: base directory for every relative path
//   - [logging]: logging level, format and output
//   - [store]: job/rule persistence backend (file or postgres)
//   - [workers]: job queue consumers
//   - [rules]: scheduled and recurring rule consumers
//   - [agents]: agent schedule runner
//   - [runs]: run event log
//   - [schedule]: time zone cron expressions are evaluated in
//   - [admin]: HTTP admin surface
//
// Environment variables:
// String values can reference ${VAR} or ${VAR:default}.
// For example: dsn = "${NEXRUN_DSN:postgres://localhost/nexrun}"
package config

import "time"

// Config represents the main application configuration.
type Config struct {
	Workspace WorkspaceConfig `toml:"workspace"`
	Logging   LoggingConfig   `toml:"logging"`
	Store     StoreConfig     `toml:"store"`
	Workers   WorkersConfig   `toml:"workers"`
	Rules     RulesConfig     `toml:"rules"`
	Agents    AgentsConfig    `toml:"agents"`
	Runs      RunsConfig      `toml:"runs"`
	Schedule  ScheduleConfig  `toml:"schedule"`
	Admin     AdminConfig     `toml:"admin"`
}

// WorkspaceConfig представляет конфигурацию workspace
type WorkspaceConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig представляет конфигурацию логирования
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

// StoreConfig selects where jobs and rules live.
type StoreConfig struct {
	Driver string `toml:"driver"` // file, postgres
	Dir    string `toml:"dir"`    // file driver
	DSN    string `toml:"dsn"`    // postgres driver
}

type WorkersConfig struct {
	JobWorkers          int `toml:"job_workers"`
	PollIntervalMs      int `toml:"poll_interval_ms"`
	LeaseTimeoutMinutes int `toml:"lease_timeout_minutes"` // 0 disables lease reaping
}

type RulesConfig struct {
	Enabled        bool `toml:"enabled"`
	PollIntervalMs int  `toml:"poll_interval_ms"`
}

type AgentsConfig struct {
	Enabled         bool   `toml:"enabled"`
	ConfigPath      string `toml:"config_path"`
	StatePath       string `toml:"state_path"`
	IntervalSeconds int    `toml:"interval_seconds"`
	TimeoutMinutes  int    `toml:"timeout_minutes"`
	MaxConcurrent   int    `toml:"max_concurrent"`
	WatchConfig     bool   `toml:"watch_config"`
}

type RunsConfig struct {
	Dir      string `toml:"dir"`
	PageSize int    `toml:"page_size"`
}

type ScheduleConfig struct {
	Timezone string `toml:"timezone"` // IANA name, "Local" or empty for the host zone
}

type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

func (w WorkersConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

func (w WorkersConfig) LeaseTimeout() time.Duration {
	return time.Duration(w.LeaseTimeoutMinutes) * time.Minute
}

func (r RulesConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMs) * time.Millisecond
}

func (a AgentsConfig) Interval() time.Duration {
	return time.Duration(a.IntervalSeconds) * time.Second
}

func (a AgentsConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMinutes) * time.Minute
}

// Location resolves the schedule time zone.
func (s ScheduleConfig) Location() (*time.Location, error) {
	if s.Timezone == "" || s.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

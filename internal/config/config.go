package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Default returns the configuration used for every key the file leaves out.
func Default() Config {
	return Config{
		Workspace: WorkspaceConfig{Path: "~/.nexrun"},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Store:     StoreConfig{Driver: DriverFile},
		Workers: WorkersConfig{
			JobWorkers:          5,
			PollIntervalMs:      1000,
			LeaseTimeoutMinutes: 30,
		},
		Rules: RulesConfig{Enabled: true, PollIntervalMs: 1000},
		Agents: AgentsConfig{
			Enabled:         true,
			IntervalSeconds: 60,
			TimeoutMinutes:  30,
			MaxConcurrent:   4,
			WatchConfig:     true,
		},
		Runs:  RunsConfig{PageSize: 20},
		Admin: AdminConfig{Enabled: true, Addr: "127.0.0.1:8787"},
	}
}

// Load загружает конфигурацию из TOML файла
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes TOML over Default, expands variables and resolves paths.
func Parse(data string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	expandEnvVars(&cfg)
	resolvePaths(&cfg)

	return &cfg, nil
}

// applyDefaults fills values that cannot legitimately be empty or zero.
func applyDefaults(c *Config) {
	d := Default()

	if c.Workspace.Path == "" {
		c.Workspace.Path = d.Workspace.Path
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Logging.Output == "" {
		c.Logging.Output = d.Logging.Output
	}
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}
	if c.Workers.JobWorkers == 0 {
		c.Workers.JobWorkers = d.Workers.JobWorkers
	}
	if c.Workers.PollIntervalMs == 0 {
		c.Workers.PollIntervalMs = d.Workers.PollIntervalMs
	}
	if c.Rules.PollIntervalMs == 0 {
		c.Rules.PollIntervalMs = d.Rules.PollIntervalMs
	}
	if c.Agents.IntervalSeconds == 0 {
		c.Agents.IntervalSeconds = d.Agents.IntervalSeconds
	}
	if c.Agents.TimeoutMinutes == 0 {
		c.Agents.TimeoutMinutes = d.Agents.TimeoutMinutes
	}
	if c.Agents.MaxConcurrent == 0 {
		c.Agents.MaxConcurrent = d.Agents.MaxConcurrent
	}
	if c.Runs.PageSize == 0 {
		c.Runs.PageSize = d.Runs.PageSize
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = d.Admin.Addr
	}
}

// expandEnvVars расширяет переменные окружения в строковых полях
func expandEnvVars(c *Config) {
	for _, field := range []*string{
		&c.Workspace.Path,
		&c.Logging.Level,
		&c.Logging.Format,
		&c.Logging.Output,
		&c.Store.Driver,
		&c.Store.Dir,
		&c.Store.DSN,
		&c.Agents.ConfigPath,
		&c.Agents.StatePath,
		&c.Runs.Dir,
		&c.Schedule.Timezone,
		&c.Admin.Addr,
	} {
		*field = expandEnv(*field)
	}
}

// resolvePaths expands ~ and places unset or relative paths under the workspace.
func resolvePaths(c *Config) {
	c.Workspace.Path = expandHome(c.Workspace.Path)
	ws := c.Workspace.Path

	c.Store.Dir = underWorkspace(ws, c.Store.Dir, "store")
	c.Runs.Dir = underWorkspace(ws, c.Runs.Dir, "runs")
	c.Agents.ConfigPath = underWorkspace(ws, c.Agents.ConfigPath, "agent-schedules.json")
	c.Agents.StatePath = underWorkspace(ws, c.Agents.StatePath, "agent-schedule-state.json")

	if c.Logging.Output != "stdout" && c.Logging.Output != "stderr" {
		c.Logging.Output = expandHome(c.Logging.Output)
	}
}

func underWorkspace(workspace, path, fallback string) string {
	if path == "" {
		path = fallback
	}
	path = expandHome(path)
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(workspace, path)
}

// expandEnv расширяет переменную окружения формата ${VAR:default}
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") {
		return s
	}

	end := strings.Index(s, "}")
	if end == -1 {
		return s
	}

	content := s[2:end]
	rest := s[end+1:]
	if key, defaultVal, ok := strings.Cut(content, ":"); ok {
		if val := os.Getenv(key); val != "" {
			return val + rest
		}
		return defaultVal + rest
	}

	// Без значения по умолчанию
	return os.Getenv(content) + rest
}

// expandHome расширяет ~ в пути
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}

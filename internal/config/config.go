// Package config loads the daemon's TOML configuration and watches it
// for changes to the settings that can be applied at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Agent         AgentConfig         `toml:"agent"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	RepoDir           string `toml:"repo_dir"`
	WorkspaceDir      string `toml:"workspace_dir"`
	BaseBranch        string `toml:"base_branch"`
	MaxParallelRuns   int    `toml:"max_parallel_runs"`
	RunTimeoutMinutes int    `toml:"run_timeout_minutes"`
	DatabasePath      string `toml:"database_path"`
	SweepSchedule     string `toml:"sweep_schedule"`      // cron expression
	SweepMaxAgeHours  int    `toml:"sweep_max_age_hours"` // workspaces older than this are orphans
}

// AgentConfig holds settings for the external coding agent
type AgentConfig struct {
	Binary    string   `toml:"binary"`
	ExtraArgs []string `toml:"extra_args"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds API server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			RepoDir:           "",
			WorkspaceDir:      filepath.Join(home, ".truffles", "workspaces"),
			BaseBranch:        "main",
			MaxParallelRuns:   3,
			RunTimeoutMinutes: 30,
			DatabasePath:      filepath.Join(home, ".truffles", "truffles.db"),
			SweepSchedule:     "@hourly",
			SweepMaxAgeHours:  24,
		},
		Agent: AgentConfig{
			Binary: "claude",
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.RepoDir = ExpandPath(cfg.General.RepoDir)
	cfg.General.WorkspaceDir = ExpandPath(cfg.General.WorkspaceDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges for the settings that have them
func (c *Config) Validate() error {
	if c.General.MaxParallelRuns < 1 {
		return fmt.Errorf("general.max_parallel_runs must be at least 1, got %d", c.General.MaxParallelRuns)
	}
	if c.General.RunTimeoutMinutes < 1 {
		return fmt.Errorf("general.run_timeout_minutes must be at least 1, got %d", c.General.RunTimeoutMinutes)
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port out of range: %d", c.Web.Port)
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "truffles", "config.toml")
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/corralhq/corral/internal/dispatch"
	"github.com/corralhq/corral/internal/logger"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	RegistryPath        string            `toml:"registry_path" mapstructure:"registry_path"`
	WorkspacesDir       string            `toml:"workspaces_dir" mapstructure:"workspaces_dir"`
	SessionGroup        string            `toml:"session_group" mapstructure:"session_group"`
	AgentBin            string            `toml:"agent_bin" mapstructure:"agent_bin"`
	MaxConcurrentAgents int               `toml:"max_concurrent_agents" mapstructure:"max_concurrent_agents"`
	PollInterval        time.Duration     `toml:"poll_interval" mapstructure:"poll_interval"`
	RequiredLabel       string            `toml:"required_label" mapstructure:"required_label"`
	HistorySinks        []string          `toml:"history_sinks" mapstructure:"history_sinks"`
	Projects            []ProjectConfig   `toml:"projects" mapstructure:"projects"`
	Skills              map[string]string `toml:"skills" mapstructure:"skills"`
	DefaultSkill        string            `toml:"default_skill" mapstructure:"default_skill"`
	Log                 *LogConfig        `toml:"log" mapstructure:"log"`
	Server              *ServerConfig     `toml:"server" mapstructure:"server"`
	Metrics             *MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
}

type ProjectConfig struct {
	Name string `toml:"name" mapstructure:"name"`
	Dir  string `toml:"dir" mapstructure:"dir"`
}

type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() *FileConfig {
	fc := &FileConfig{}
	fc.applyDefaults()
	return fc
}

// Load reads and validates the TOML config at path.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	fc.applyDefaults()
	if err := fc.validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

func (fc *FileConfig) applyDefaults() {
	if home, err := os.UserHomeDir(); err == nil {
		if fc.RegistryPath == "" {
			fc.RegistryPath = filepath.Join(home, ".corral", "registry.db")
		}
		if fc.WorkspacesDir == "" {
			fc.WorkspacesDir = filepath.Join(home, ".corral", "workspaces")
		}
	}
	if fc.SessionGroup == "" {
		fc.SessionGroup = "corral"
	}
	if fc.RequiredLabel == "" {
		fc.RequiredLabel = "agent-ready"
	}
	if fc.DefaultSkill == "" {
		fc.DefaultSkill = "general"
	}
}

func (fc *FileConfig) validate() error {
	if fc.RegistryPath == "" {
		return fmt.Errorf("registry_path required")
	}
	seen := map[string]bool{}
	for _, p := range fc.Projects {
		if p.Name == "" || p.Dir == "" {
			return fmt.Errorf("project entries need both name and dir")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate project name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// DispatchConfig maps the file onto the dispatcher's own config.
func (fc *FileConfig) DispatchConfig(dryRun bool) dispatch.Config {
	projects := make([]dispatch.Project, len(fc.Projects))
	for i, p := range fc.Projects {
		projects[i] = dispatch.Project{Name: p.Name, Dir: p.Dir}
	}
	return dispatch.Config{
		Projects:            projects,
		RequiredLabel:       fc.RequiredLabel,
		MaxConcurrentAgents: fc.MaxConcurrentAgents,
		PollInterval:        fc.PollInterval,
		Skills:              fc.Skills,
		DefaultSkill:        fc.DefaultSkill,
		DryRun:              dryRun,
	}
}

// LoggerConfig maps the [log] section onto the logger package's config.
func (fc *FileConfig) LoggerConfig() logger.Config {
	if fc.Log == nil {
		return logger.Config{}
	}
	return logger.Config{
		Dir:        fc.Log.Dir,
		MaxSizeMB:  fc.Log.MaxSizeMB,
		MaxBackups: fc.Log.MaxBackups,
		MaxAgeDays: fc.Log.MaxAgeDays,
		Compress:   fc.Log.Compress,
	}
}

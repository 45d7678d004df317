// Package config loads sqlstep configuration from YAML and SQLSTEP_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/willibrandon/sqlstep/internal/profile"
)

// Profile sources.
const (
	ProfileSourceConfig = "config"
	ProfileSourceSQLite = "sqlite"
)

// Config represents the root configuration structure
type Config struct {
	Connections []ConnectionConfig `mapstructure:"connections"`
	Profiles    ProfilesConfig     `mapstructure:"profiles"`
	Execution   ExecutionConfig    `mapstructure:"execution"`
	Storage     StorageConfig      `mapstructure:"storage"`
	Agent       AgentConfig        `mapstructure:"agent"`
	Log         LogConfig          `mapstructure:"log"`
	Debug       bool               `mapstructure:"debug"`

	// File is the config file that was read, empty when running on defaults.
	File string `mapstructure:"-"`
}

// ConnectionConfig is one entry of the connections list.
type ConnectionConfig struct {
	ID                string `mapstructure:"id"`
	Name              string `mapstructure:"name"`
	Driver            string `mapstructure:"driver"`
	CustomDriver      string `mapstructure:"custom_driver"`
	URL               string `mapstructure:"url"`
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	PasswordCommand   string `mapstructure:"password_command"`
	MaxConnections    int    `mapstructure:"max_connections"`
	ConnectionTimeout int    `mapstructure:"connection_timeout"`
	TestOnBorrow      *bool  `mapstructure:"test_on_borrow"` // default true
}

// Profile converts the entry to a connection profile with defaults applied.
func (c ConnectionConfig) Profile() profile.ConnectionProfile {
	testOnBorrow := true
	if c.TestOnBorrow != nil {
		testOnBorrow = *c.TestOnBorrow
	}
	return profile.ConnectionProfile{
		ID:                strings.TrimSpace(c.ID),
		Name:              c.Name,
		Driver:            c.Driver,
		CustomDriver:      c.CustomDriver,
		URL:               c.URL,
		Username:          c.Username,
		Password:          profile.NewSecret(c.Password),
		PasswordCommand:   c.PasswordCommand,
		MaxConnections:    c.MaxConnections,
		ConnectionTimeout: c.ConnectionTimeout,
		TestOnBorrow:      testOnBorrow,
	}.WithDefaults()
}

// ProfilesConfig selects where connection profiles live.
type ProfilesConfig struct {
	Source string `mapstructure:"source"` // "config" or "sqlite"
}

// ExecutionConfig holds script execution defaults.
type ExecutionConfig struct {
	DefaultMaxRows int    `mapstructure:"default_max_rows"`
	Workspace      string `mapstructure:"workspace"` // base for relative script paths
}

// StorageConfig holds the SQLite storage location.
type StorageConfig struct {
	Path         string `mapstructure:"path"`
	HistoryLimit int    `mapstructure:"history_limit"`
	// HistoryRetention drops executions older than this; 0 keeps them until
	// HistoryLimit trims them.
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

// AgentConfig holds agent endpoints.
type AgentConfig struct {
	IPC     IPCConfig  `mapstructure:"ipc"`
	HTTP    HTTPConfig `mapstructure:"http"`
	PIDFile string     `mapstructure:"pid_file"`
}

// IPCConfig holds IPC (named pipes/Unix sockets) configuration.
type IPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // Auto-detected if empty
}

// HTTPConfig holds HTTP health endpoint configuration.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"`
}

// Load loads configuration from the default locations.
func Load() (*Config, error) {
	return LoadFromPath("")
}

// LoadFromPath loads configuration from a specific path.
// If configPath is empty, it searches default locations.
func LoadFromPath(configPath string) (*Config, error) {
	v, err := readViper(configPath)
	if err != nil {
		return nil, err
	}
	return configFromViper(v)
}

// Watch loads configuration like LoadFromPath and then calls onChange every
// time the config file is rewritten. onChange receives the reloaded
// configuration or the error that prevented reloading. Without a config file
// there is nothing to watch and onChange is never called.
func Watch(configPath string, onChange func(*Config, error)) (*Config, error) {
	v, err := readViper(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := configFromViper(v)
	if err != nil {
		return nil, err
	}

	if cfg.File != "" {
		v.OnConfigChange(func(fsnotify.Event) {
			onChange(configFromViper(v))
		})
		v.WatchConfig()
	}
	return cfg, nil
}

func readViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Environment variable support
	v.AutomaticEnv()
	v.SetEnvPrefix("SQLSTEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	applyDefaults(v)

	if configPath != "" {
		v.SetConfigFile(expandPath(configPath))
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultConfigDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return v, nil
}

func configFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	cfg.Storage.Path = expandPath(cfg.Storage.Path)
	cfg.Execution.Workspace = expandPath(cfg.Execution.Workspace)
	cfg.Log.Path = expandPath(cfg.Log.Path)
	cfg.Agent.PIDFile = expandPath(cfg.Agent.PIDFile)
	if cfg.Agent.IPC.Path == "" {
		cfg.Agent.IPC.Path = DefaultIPCPath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults sets default configuration values.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("profiles.source", ProfileSourceConfig)

	v.SetDefault("execution.default_max_rows", 1000)
	v.SetDefault("execution.workspace", "")

	v.SetDefault("storage.path", filepath.Join(DefaultConfigDir(), "sqlstep.db"))
	v.SetDefault("storage.history_limit", 1000)
	v.SetDefault("storage.history_retention", "720h")

	v.SetDefault("agent.ipc.enabled", true)
	v.SetDefault("agent.ipc.path", "")
	v.SetDefault("agent.http.enabled", true)
	v.SetDefault("agent.http.port", 8089)
	v.SetDefault("agent.http.bind", "127.0.0.1")
	v.SetDefault("agent.pid_file", filepath.Join(DefaultConfigDir(), "sqlstep-agent.pid"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "")
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Connections))
	for i, conn := range c.Connections {
		id := strings.TrimSpace(conn.ID)
		if id == "" {
			return fmt.Errorf("connections[%d].id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("connections[%d].id %q is not unique", i, id)
		}
		seen[id] = true

		if conn.MaxConnections < 0 {
			return fmt.Errorf("connections[%d].max_connections must be at least 1", i)
		}
		if conn.ConnectionTimeout < 0 {
			return fmt.Errorf("connections[%d].connection_timeout must be at least 1 second", i)
		}
		if err := conn.Profile().Validate(); err != nil {
			return fmt.Errorf("connections[%d]: %w", i, err)
		}
	}

	switch c.Profiles.Source {
	case ProfileSourceConfig, ProfileSourceSQLite:
	default:
		return fmt.Errorf("profiles.source must be one of: %s, %s", ProfileSourceConfig, ProfileSourceSQLite)
	}

	if c.Execution.DefaultMaxRows < 1 {
		return fmt.Errorf("execution.default_max_rows must be at least 1")
	}
	if c.Storage.HistoryLimit < 0 {
		return fmt.Errorf("storage.history_limit must not be negative")
	}
	if c.Storage.HistoryRetention < 0 {
		return fmt.Errorf("storage.history_retention must not be negative")
	}

	if c.Agent.HTTP.Enabled {
		if c.Agent.HTTP.Port < 1 || c.Agent.HTTP.Port > 65535 {
			return fmt.Errorf("agent.http.port must be between 1 and 65535")
		}
	}

	return nil
}

// ConnectionProfiles returns the configured connections as profiles.
func (c *Config) ConnectionProfiles() []profile.ConnectionProfile {
	profiles := make([]profile.ConnectionProfile, 0, len(c.Connections))
	for _, conn := range c.Connections {
		profiles = append(profiles, conn.Profile())
	}
	return profiles
}

// Workspace returns the directory relative script paths resolve against.
func (c *Config) Workspace() string {
	if c.Execution.Workspace != "" {
		return c.Execution.Workspace
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// DefaultConfigDir returns ~/.config/sqlstep.
func DefaultConfigDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "sqlstep")
	}
	return filepath.Join(os.TempDir(), "sqlstep")
}

// DefaultIPCPath returns the platform-appropriate IPC endpoint path.
func DefaultIPCPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\sqlstep-agent`
	}
	return filepath.Join(os.TempDir(), "sqlstep-agent.sock")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// Package config provides configuration management for Taskforge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Taskforge.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects between the embedded SQLite store and PostgreSQL.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 or pgx
	Path     string `mapstructure:"path"`   // SQLite database file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientName    string `mapstructure:"clientName"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// SandboxConfig holds per-project sandbox container configuration.
type SandboxConfig struct {
	Image         string `mapstructure:"image"`         // agent sandbox image
	WorkspacePath string `mapstructure:"workspacePath"` // mount point for the project inside the container
	StopTimeout   int    `mapstructure:"stopTimeout"`   // seconds to wait before SIGKILL on container stop
	StopFileDir   string `mapstructure:"stopFileDir"`   // directory for per-run stop-files inside the container
}

// AgentConfig holds agent runtime configuration.
type AgentConfig struct {
	// Binary is the agent executable launched inside the sandbox.
	Binary string `mapstructure:"binary"`

	// DefaultModel is used when a task does not specify one.
	DefaultModel string `mapstructure:"defaultModel"`

	// DefaultMaxTurns bounds a run when the project config does not set a limit.
	DefaultMaxTurns int `mapstructure:"defaultMaxTurns"`

	// WarningThreshold is the fraction of maxTurns at which a warning event fires.
	WarningThreshold float64 `mapstructure:"warningThreshold"`

	// StopGrace is how long to wait for cooperative stop before killing the exec, in seconds.
	StopGrace int `mapstructure:"stopGrace"`

	// AllowedTools is the default tool allowlist passed to the agent.
	AllowedTools []string `mapstructure:"allowedTools"`
}

// WorktreeConfig holds Git worktree configuration for concurrent agent execution.
type WorktreeConfig struct {
	RootDir       string `mapstructure:"rootDir"`       // directory under the project path holding worktrees
	DefaultBranch string `mapstructure:"defaultBranch"` // default base branch
	BranchPrefix  string `mapstructure:"branchPrefix"`  // prefix for generated task branches
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StopGraceDuration returns the cooperative-stop grace period as a time.Duration.
func (a *AgentConfig) StopGraceDuration() time.Duration {
	return time.Duration(a.StopGrace) * time.Second
}

// StopTimeoutDuration returns the container stop timeout as a time.Duration.
func (s *SandboxConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(s.StopTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments,
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - embedded SQLite unless a postgres host is configured
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "~/.taskforge/taskforge.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "taskforge")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "taskforge")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientName", "taskforge")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "taskforge-network")

	// Sandbox defaults
	v.SetDefault("sandbox.image", "taskforge/sandbox:latest")
	v.SetDefault("sandbox.workspacePath", "/workspace")
	v.SetDefault("sandbox.stopTimeout", 10)
	v.SetDefault("sandbox.stopFileDir", "/tmp")

	// Agent defaults
	v.SetDefault("agent.binary", "taskforge-agent")
	v.SetDefault("agent.defaultModel", "claude-sonnet-4-5")
	v.SetDefault("agent.defaultMaxTurns", 50)
	v.SetDefault("agent.warningThreshold", 0.8)
	v.SetDefault("agent.stopGrace", 10)
	v.SetDefault("agent.allowedTools", []string{"Read", "Edit", "Bash", "Grep", "Glob"})

	// Worktree defaults
	v.SetDefault("worktree.rootDir", ".taskforge/worktrees")
	v.SetDefault("worktree.defaultBranch", "main")
	v.SetDefault("worktree.branchPrefix", "task/")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKFORGE_ with snake_case naming.
// Config file should be named taskforge.yaml and placed in the current
// directory, /etc/taskforge/, or ~/.taskforge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("TASKFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.dbName", "TASKFORGE_DATABASE_DB_NAME")
	_ = v.BindEnv("agent.defaultMaxTurns", "TASKFORGE_AGENT_DEFAULT_MAX_TURNS")
	_ = v.BindEnv("agent.stopGrace", "TASKFORGE_AGENT_STOP_GRACE")
	_ = v.BindEnv("sandbox.stopFileDir", "TASKFORGE_SANDBOX_STOP_FILE_DIR")
	_ = v.BindEnv("worktree.defaultBranch", "TASKFORGE_WORKTREE_DEFAULT_BRANCH")

	// Configure config file
	v.SetConfigName("taskforge")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskforge/")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.taskforge")
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are coherent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	if cfg.Agent.DefaultMaxTurns <= 0 {
		errs = append(errs, "agent.defaultMaxTurns must be positive")
	}
	if cfg.Agent.WarningThreshold <= 0 || cfg.Agent.WarningThreshold > 1 {
		errs = append(errs, "agent.warningThreshold must be in (0, 1]")
	}
	if cfg.Agent.StopGrace <= 0 {
		errs = append(errs, "agent.stopGrace must be positive")
	}

	if cfg.Sandbox.Image == "" {
		errs = append(errs, "sandbox.image is required")
	}
	if cfg.Sandbox.WorkspacePath == "" {
		errs = append(errs, "sandbox.workspacePath is required")
	}

	if cfg.Worktree.DefaultBranch == "" {
		errs = append(errs, "worktree.defaultBranch is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// SQLitePath returns the SQLite database path with ~ expanded.
func (d *DatabaseConfig) SQLitePath() string {
	if strings.HasPrefix(d.Path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + d.Path[1:]
		}
	}
	return d.Path
}

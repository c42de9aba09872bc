package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithPath failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default server port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected default driver sqlite3, got %s", cfg.Database.Driver)
	}
	if cfg.NATS.URL != "" {
		t.Errorf("expected empty NATS URL (in-memory bus), got %s", cfg.NATS.URL)
	}
	if cfg.Agent.DefaultMaxTurns != 50 {
		t.Errorf("expected default max turns 50, got %d", cfg.Agent.DefaultMaxTurns)
	}
	if cfg.Agent.WarningThreshold != 0.8 {
		t.Errorf("expected warning threshold 0.8, got %f", cfg.Agent.WarningThreshold)
	}
	if cfg.Worktree.DefaultBranch != "main" {
		t.Errorf("expected default branch main, got %s", cfg.Worktree.DefaultBranch)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("server:\n  port: 9191\nagent:\n  defaultMaxTurns: 10\n")
	if err := os.WriteFile(filepath.Join(dir, "taskforge.yaml"), yaml, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadWithPath(dir)
	if err != nil {
		t.Fatalf("LoadWithPath failed: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("expected port 9191 from file, got %d", cfg.Server.Port)
	}
	if cfg.Agent.DefaultMaxTurns != 10 {
		t.Errorf("expected maxTurns 10 from file, got %d", cfg.Agent.DefaultMaxTurns)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TASKFORGE_SERVER_PORT", "9999")
	t.Setenv("TASKFORGE_LOGGING_LEVEL", "debug")

	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithPath failed: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected env override port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env override level debug, got %s", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"zero max turns", func(c *Config) { c.Agent.DefaultMaxTurns = 0 }},
		{"threshold above one", func(c *Config) { c.Agent.WarningThreshold = 1.5 }},
		{"zero stop grace", func(c *Config) { c.Agent.StopGrace = 0 }},
		{"missing image", func(c *Config) { c.Sandbox.Image = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithPath(t.TempDir())
			if err != nil {
				t.Fatalf("LoadWithPath failed: %v", err)
			}
			tc.mutate(cfg)
			if err := validate(cfg); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestSQLitePathExpansion(t *testing.T) {
	d := DatabaseConfig{Path: "~/data/forge.db"}
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := d.SQLitePath(); got != home+"/data/forge.db" {
		t.Errorf("expected expanded path, got %s", got)
	}

	d = DatabaseConfig{Path: "/abs/forge.db"}
	if got := d.SQLitePath(); got != "/abs/forge.db" {
		t.Errorf("expected absolute path unchanged, got %s", got)
	}
}

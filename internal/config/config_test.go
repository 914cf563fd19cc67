package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func loadFromTempHome(t *testing.T, yamlBody string) (Config, error) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("PARLEY_HOME", home)
	if yamlBody != "" {
		if err := os.WriteFile(ConfigPath(home), []byte(yamlBody), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return Load()
}

func TestLoad_DefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := loadFromTempHome(t, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Conversation.MaxLength != 50 {
		t.Errorf("MaxLength = %d, want 50", cfg.Conversation.MaxLength)
	}
	if cfg.Conversation.MaxAge() != 7*24*time.Hour {
		t.Errorf("MaxAge = %v, want 168h", cfg.Conversation.MaxAge())
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("Backend = %q, want file", cfg.Storage.Backend)
	}
	if !filepath.IsAbs(cfg.Storage.Path) {
		t.Errorf("Path = %q, want absolute", cfg.Storage.Path)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	cfg, err := loadFromTempHome(t, `
log_level: debug
conversation:
  max_length: 20
  max_age_hours: 48
storage:
  backend: memory
`)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Conversation.MaxLength != 20 {
		t.Errorf("MaxLength = %d, want 20", cfg.Conversation.MaxLength)
	}
	if cfg.Conversation.MaxAge() != 48*time.Hour {
		t.Errorf("MaxAge = %v, want 48h", cfg.Conversation.MaxAge())
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("Backend = %q, want memory", cfg.Storage.Backend)
	}
}

func TestLoad_PersonaFileWins(t *testing.T) {
	home := t.TempDir()
	t.Setenv("PARLEY_HOME", home)
	if err := os.WriteFile(ConfigPath(home), []byte("persona: from yaml\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(PersonaPath(home), []byte("from persona file\n"), 0o644); err != nil {
		t.Fatalf("write persona: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Persona != "from persona file" {
		t.Errorf("Persona = %q, want persona file content", cfg.Persona)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok-from-env")
	cfg, err := loadFromTempHome(t, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "tok-from-env" {
		t.Errorf("Token = %q, want env value", cfg.Telegram.Token)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "carrier-pigeon" }, true},
		{"redis without addr", func(c *Config) { c.Storage.Backend = "redis" }, true},
		{"redis with addr", func(c *Config) {
			c.Storage.Backend = "redis"
			c.Storage.RedisAddr = "localhost:6379"
		}, false},
		{"telegram enabled without token", func(c *Config) { c.Telegram.Enabled = true }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestWatcher_EmitsOnConfigWrite(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(ConfigPath(home), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Errorf("event path = %q, want config.yaml", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event within timeout")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexasec/sspm/internal/models"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("database port = %d, want 5432", cfg.Database.Port)
	}
	if cfg.Discovery.Workers != 2 {
		t.Errorf("workers = %d, want 2", cfg.Discovery.Workers)
	}
	if cfg.Scheduler.DiscoveryCron != "0 2 * * *" {
		t.Errorf("discovery cron = %q", cfg.Scheduler.DiscoveryCron)
	}
	if cfg.Notifications.MinRiskLevel != models.RiskHigh {
		t.Errorf("min risk level = %s, want high", cfg.Notifications.MinRiskLevel)
	}
	if cfg.Auth.AccessTokenExpiry != 15*time.Minute {
		t.Errorf("access token expiry = %s", cfg.Auth.AccessTokenExpiry)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "hunter2")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  host: db.internal
  password: ${TEST_DB_PASSWORD}
redis:
  host: cache.internal
  port: 6380
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Password != "hunter2" {
		t.Errorf("password = %q, want expanded env value", cfg.Database.Password)
	}
	if cfg.Redis.Addr() != "cache.internal:6380" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr())
	}
	// Unset fields still fall back to defaults.
	if cfg.Database.Port != 5432 {
		t.Errorf("database port = %d, want default 5432", cfg.Database.Port)
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [not a mapping"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestDatabaseDSN(t *testing.T) {
	c := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "sspm",
		Password: "secret",
		Database: "sspm",
		SSLMode:  "disable",
	}

	want := "host=localhost port=5432 user=sspm password=secret dbname=sspm sslmode=disable"
	if got := c.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

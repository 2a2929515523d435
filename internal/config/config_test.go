package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Server.WorkerPoolDefault != 8 {
		t.Errorf("expected worker pool 8, got %d", cfg.Server.WorkerPoolDefault)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("expected memory driver, got %s", cfg.Store.Driver)
	}
	if cfg.Retry.BackoffCapMS != 30000 {
		t.Errorf("expected 30000, got %d", cfg.Retry.BackoffCapMS)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[server]
addr = ":9090"
worker_pool_default = 16

[store]
driver = "sqlite"
sqlite_path = "/tmp/test.db"
`), 0644)

	cfg := Load(path)
	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Server.Addr)
	}
	if cfg.Server.WorkerPoolDefault != 16 {
		t.Errorf("expected 16, got %d", cfg.Server.WorkerPoolDefault)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Store.Driver)
	}
	// Defaults preserved for untouched fields.
	if cfg.Retry.BackoffBaseMS != 500 {
		t.Errorf("default should be preserved, got %d", cfg.Retry.BackoffBaseMS)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ENGINE_ADDR", ":7070")
	t.Setenv("ENGINE_WORKER_POOL_DEFAULT", "4")
	t.Setenv("ENGINE_STORE_DRIVER", "postgres")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Server.Addr != ":7070" {
		t.Errorf("expected :7070, got %s", cfg.Server.Addr)
	}
	if cfg.Server.WorkerPoolDefault != 4 {
		t.Errorf("expected 4, got %d", cfg.Server.WorkerPoolDefault)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Store.Driver)
	}
}

func TestRetainForDurationFallback(t *testing.T) {
	cfg := Default()
	cfg.Store.RetainFor = "not-a-duration"
	if got := cfg.RetainForDuration(); got.Hours() != 168 {
		t.Errorf("expected 168h fallback, got %v", got)
	}
}

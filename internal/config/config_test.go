package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Database.Driver)
	}
	if cfg.Runner.StepBudget != 512 {
		t.Errorf("expected step budget 512, got %d", cfg.Runner.StepBudget)
	}
	if cfg.Runner.WorkerCount != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Runner.WorkerCount)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[database]
driver = "postgres"
dsn = "postgres://localhost/rhythm"

[runner]
worker_count = 8
`), 0644)

	cfg := Load(path)
	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Database.Driver)
	}
	if cfg.Database.DSN != "postgres://localhost/rhythm" {
		t.Errorf("expected dsn to load, got %s", cfg.Database.DSN)
	}
	if cfg.Runner.WorkerCount != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Runner.WorkerCount)
	}
	// Defaults preserved for untouched fields.
	if cfg.Runner.StepBudget != 512 {
		t.Errorf("default step budget should be preserved, got %d", cfg.Runner.StepBudget)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("RHYTHM_DATABASE_DRIVER", "postgres")
	t.Setenv("RHYTHM_DATABASE_DSN", "postgres://env/rhythm")
	t.Setenv("RHYTHM_OBSERVER_ENABLED", "true")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Database.Driver)
	}
	if cfg.Database.DSN != "postgres://env/rhythm" {
		t.Errorf("expected env dsn, got %s", cfg.Database.DSN)
	}
	if !cfg.Observer.Enabled {
		t.Error("expected observer enabled from env")
	}
}

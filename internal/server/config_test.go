package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/halftermeyer/linkforest/pkg/engine"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("LF_TOKEN", "sekret")

	path := writeConfig(t, `
http:
  addr: ":9999"
  auth_token: ${LF_TOKEN}
engine:
  data_dir: /var/lib/linkforest
  auto_save_interval: 5m
  auto_save_threshold: 500
batch:
  workers: 4
  retry_backoff: 50ms
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != ":9999" {
		t.Errorf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.AuthToken != "sekret" {
		t.Errorf("env expansion failed: %q", cfg.HTTP.AuthToken)
	}

	opts := engine.DefaultOptions("./data")
	if err := cfg.Apply(&opts); err != nil {
		t.Fatal(err)
	}
	if opts.DataDir != "/var/lib/linkforest" {
		t.Errorf("DataDir = %q", opts.DataDir)
	}
	if opts.AutoSaveInterval != 5*time.Minute {
		t.Errorf("AutoSaveInterval = %v", opts.AutoSaveInterval)
	}
	if opts.AutoSaveThreshold != 500 {
		t.Errorf("AutoSaveThreshold = %d", opts.AutoSaveThreshold)
	}
	if opts.BatchWorkers != 4 {
		t.Errorf("BatchWorkers = %d", opts.BatchWorkers)
	}
	if opts.BatchRetryBackoff != 50*time.Millisecond {
		t.Errorf("BatchRetryBackoff = %v", opts.BatchRetryBackoff)
	}
	// Untouched fields keep their defaults.
	if opts.BatchMaxRetries != 3 {
		t.Errorf("BatchMaxRetries = %d, want default 3", opts.BatchMaxRetries)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
http:
  adress: ":9999"
`)
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected strict-mode error for misspelled field")
	}
}

func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != "" {
		t.Errorf("empty config should be zero-valued: %+v", cfg)
	}

	opts := engine.DefaultOptions("./data")
	if err := cfg.Apply(&opts); err != nil {
		t.Fatal(err)
	}
	if opts.DataDir != "./data" {
		t.Errorf("Apply of empty config changed DataDir: %q", opts.DataDir)
	}

	if _, err := LoadConfig("/does/not/exist.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestInvalidDurations(t *testing.T) {
	path := writeConfig(t, `
engine:
  auto_save_interval: often
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	opts := engine.DefaultOptions("./data")
	if err := cfg.Apply(&opts); err == nil {
		t.Error("expected error for invalid duration")
	}
}

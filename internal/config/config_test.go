package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"loom/internal/config"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend.AccountID != "primary" {
		t.Errorf("expected default account, got %q", cfg.Backend.AccountID)
	}
	if cfg.Workflow.PollIntervalMillis != 2000 {
		t.Errorf("expected default poll interval, got %d", cfg.Workflow.PollIntervalMillis)
	}
	if cfg.Credits.ImagePerCall != 0.25 {
		t.Errorf("expected default image rate, got %v", cfg.Credits.ImagePerCall)
	}
	if cfg.Logging.Format != "console" || cfg.Logging.Level != "info" {
		t.Errorf("expected default logging, got %s/%s", cfg.Logging.Format, cfg.Logging.Level)
	}
	if !cfg.Notifications.Generation {
		t.Error("generation notifications should default on")
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `[backend]
url = "https://gen.example.com"
token = "secret"

[credits]
video_per_second = 0.5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend.URL != "https://gen.example.com" {
		t.Errorf("unexpected backend URL %q", cfg.Backend.URL)
	}
	if cfg.Credits.VideoPerSecond != 0.5 {
		t.Errorf("unexpected video rate %v", cfg.Credits.VideoPerSecond)
	}
	if cfg.Credits.SpeechPerKiloChars != 0.05 {
		t.Errorf("unset speech rate should keep its default, got %v", cfg.Credits.SpeechPerKiloChars)
	}
	if cfg.Workflow.AutosaveDebounceMillis != 750 {
		t.Errorf("unset debounce should keep its default, got %d", cfg.Workflow.AutosaveDebounceMillis)
	}
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[backend\nurl = "), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestWriteSampleRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := config.WriteSample(path); err != nil {
		t.Fatalf("WriteSample failed: %v", err)
	}
	if err := config.WriteSample(path); err == nil {
		t.Fatal("WriteSample must refuse to overwrite")
	}
	if _, err := config.Load(path); err != nil {
		t.Fatalf("sample config should parse: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.URL = "https://gen.example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("complete config should validate: %v", err)
	}

	missing := cfg
	missing.Backend.URL = ""
	err := missing.Validate()
	if err == nil || !strings.Contains(err.Error(), "backend.url") {
		t.Errorf("expected backend.url problem, got %v", err)
	}

	negative := cfg
	negative.Credits.ImagePerCall = -1
	if err := negative.Validate(); err == nil {
		t.Error("negative rates must not validate")
	}

	tooFast := cfg
	tooFast.Workflow.PollIntervalMillis = 10
	if err := tooFast.Validate(); err == nil {
		t.Error("sub-100ms poll interval must not validate")
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "nested", "logs")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}
}

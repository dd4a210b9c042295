// Package testsupport provides shared helpers for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"loom/internal/config"
	"loom/internal/records"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Backend.URL = "http://127.0.0.1:0"
	cfg.Backend.Token = "test"
	cfg.Workflow.PollIntervalMillis = 10
	cfg.Workflow.AutosaveDebounceMillis = 10

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithBackendURL points the dispatcher at a test server.
func WithBackendURL(url string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Backend.URL = url
	}
}

// WithRates overrides the credit cost rates.
func WithRates(videoPerSecond, speechPerKiloChars, imagePerCall, scriptPerCall float64) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Credits.VideoPerSecond = videoPerSecond
		cfg.Credits.SpeechPerKiloChars = speechPerKiloChars
		cfg.Credits.ImagePerCall = imagePerCall
		cfg.Credits.ScriptPerCall = scriptPerCall
	}
}

// MustOpenStore opens a record store against the config's data directory and
// closes it when the test finishes.
func MustOpenStore(t testing.TB, cfg *config.Config) *records.Store {
	t.Helper()

	store, err := records.Open(cfg)
	if err != nil {
		t.Fatalf("open record store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

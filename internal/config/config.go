package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Backend contains configuration for the remote generation backend.
type Backend struct {
	URL            string `toml:"url"`
	Token          string `toml:"token"`
	AccountID      string `toml:"account_id"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Credits contains the per-stage cost rates used for admission checks. The
// backend is authoritative for actual debits; these only pre-compute the
// estimate attached to a dispatch.
type Credits struct {
	VideoPerSecond      float64 `toml:"video_per_second"`
	SpeechPerKiloChars  float64 `toml:"speech_per_1000_chars"`
	ImagePerCall        float64 `toml:"image_per_call"`
	ScriptPerCall       float64 `toml:"script_per_call"`
	LowBalanceThreshold float64 `toml:"low_balance_threshold"`
}

// Workflow contains timing for polling, auto-save, and stale-job detection.
type Workflow struct {
	PollIntervalMillis     int `toml:"poll_interval_millis"`
	AutosaveDebounceMillis int `toml:"autosave_debounce_millis"`
	StaleProcessingMinutes int `toml:"stale_processing_minutes"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Generation     bool   `toml:"generation"`
	Pipeline       bool   `toml:"pipeline"`
	LowBalance     bool   `toml:"low_balance"`
	Errors         bool   `toml:"errors"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config is the root configuration document.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Backend       Backend       `toml:"backend"`
	Credits       Credits       `toml:"credits"`
	Workflow      Workflow      `toml:"workflow"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the expected config file location.
func DefaultConfigPath() string {
	return expandPath("~/.config/loom/config.toml")
}

// Load reads configuration from path, falling back to defaults for any field
// the file leaves unset. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved := expandPath(strings.TrimSpace(path))
	if resolved == "" {
		resolved = DefaultConfigPath()
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg.normalize()
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", resolved, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", resolved, err)
	}

	cfg.normalize()
	return &cfg, nil
}

// WriteSample writes the annotated sample config to path, refusing to
// overwrite an existing file.
func WriteSample(path string) error {
	resolved := expandPath(strings.TrimSpace(path))
	if resolved == "" {
		resolved = DefaultConfigPath()
	}
	if _, err := os.Stat(resolved); err == nil {
		return fmt.Errorf("config already exists at %s", resolved)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// EnsureDirectories creates the data and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func (c *Config) normalize() {
	c.Paths.DataDir = expandPath(c.Paths.DataDir)
	c.Paths.LogDir = expandPath(c.Paths.LogDir)
	c.Backend.URL = strings.TrimSpace(c.Backend.URL)
	c.Backend.AccountID = strings.TrimSpace(c.Backend.AccountID)
	if c.Backend.AccountID == "" {
		c.Backend.AccountID = defaultAccountID
	}
	if c.Workflow.PollIntervalMillis <= 0 {
		c.Workflow.PollIntervalMillis = defaultPollIntervalMillis
	}
	if c.Workflow.AutosaveDebounceMillis <= 0 {
		c.Workflow.AutosaveDebounceMillis = defaultAutosaveDebounceMillis
	}
	if c.Workflow.StaleProcessingMinutes <= 0 {
		c.Workflow.StaleProcessingMinutes = defaultStaleProcessingMinutes
	}
	if c.Backend.RequestTimeout <= 0 {
		c.Backend.RequestTimeout = defaultBackendRequestTimeout
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
	if strings.TrimSpace(c.Logging.Format) == "" {
		c.Logging.Format = defaultLogFormat
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func expandPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if trimmed == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return trimmed
		}
		return home
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return trimmed
		}
		return filepath.Join(home, trimmed[2:])
	}
	return trimmed
}

package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		problems = append(problems, "paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		problems = append(problems, "paths.log_dir must be set")
	}
	if strings.TrimSpace(c.Backend.URL) == "" {
		problems = append(problems, "backend.url must be set")
	}
	if c.Credits.VideoPerSecond < 0 || c.Credits.SpeechPerKiloChars < 0 ||
		c.Credits.ImagePerCall < 0 || c.Credits.ScriptPerCall < 0 {
		problems = append(problems, "credits rates must not be negative")
	}
	if c.Workflow.PollIntervalMillis < 100 {
		problems = append(problems, "workflow.poll_interval_millis must be at least 100")
	}

	if len(problems) == 0 {
		return nil
	}
	if len(problems) == 1 {
		return errors.New(problems[0])
	}
	return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
}

package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"loom/internal/client"
	"loom/internal/config"
)

type commandContext struct {
	apiFlag    *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(apiFlag, configFlag *string) *commandContext {
	return &commandContext{
		apiFlag:    apiFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) apiBind() string {
	if c.apiFlag != nil && strings.TrimSpace(*c.apiFlag) != "" {
		return strings.TrimSpace(*c.apiFlag)
	}
	if cfg, err := c.ensureConfig(); err == nil && cfg != nil {
		return cfg.Paths.APIBind
	}
	return ""
}

func (c *commandContext) withClient(fn func(*client.Client) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	token := ""
	if cfg != nil {
		token = cfg.Paths.APIToken
	}
	api, err := client.New(c.apiBind(), token)
	if err != nil {
		return fmt.Errorf("resolve daemon address: %w", err)
	}
	if api == nil {
		return fmt.Errorf("no daemon API address configured; set paths.api_bind or pass --api")
	}
	if err := fn(api); err != nil {
		return wrapDaemonError(err)
	}
	return nil
}

func wrapDaemonError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, client.ErrDaemonUnavailable) {
		return fmt.Errorf("%w; start the daemon with `loomd`", err)
	}
	return err
}

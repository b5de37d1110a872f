package main

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"stageguard/internal/config"
	"stageguard/internal/engine"
	"stageguard/internal/logging"
)

type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

// cliLogger reports engine warnings on stderr so they never mix with command output.
func (c *commandContext) cliLogger() *slog.Logger {
	logger, err := logging.New(logging.Options{
		Level:            "warn",
		Format:           "console",
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	})
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

// withEngine opens the engine over the configured database for the duration of fn.
func (c *commandContext) withEngine(cmd *cobra.Command, fn func(*engine.Engine) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	eng, err := engine.Open(cmd.Context(), cfg, engine.WithLogger(c.cliLogger()))
	if err != nil {
		return err
	}
	defer eng.Close()
	return fn(eng)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

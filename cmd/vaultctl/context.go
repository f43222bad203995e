package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/tendant/content-vault/internal/logging"
	"github.com/tendant/content-vault/pkg/vault/config"
)

type commandContext struct {
	configFlag *string
	jsonFlag   *bool
	logLevel   *string

	runtimeOnce sync.Once
	runtime     *config.Runtime
	runtimeErr  error
}

func newCommandContext(configFlag *string, jsonFlag *bool, logLevel *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		jsonFlag:   jsonFlag,
		logLevel:   logLevel,
	}
}

func (c *commandContext) ensureRuntime(ctx context.Context) (*config.Runtime, error) {
	c.runtimeOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(config.WithFile(path), config.WithEnv())
		if err != nil {
			c.runtimeErr = err
			return
		}
		level := cfg.LogLevel
		if c.logLevel != nil && *c.logLevel != "" {
			level = *c.logLevel
		}
		logger, err := logging.New(logging.Options{Level: level, Format: cfg.LogFormat})
		if err != nil {
			c.runtimeErr = err
			return
		}
		rt, err := cfg.BuildPipeline(ctx, logger)
		if err != nil {
			c.runtimeErr = fmt.Errorf("build pipeline: %w", err)
			return
		}
		c.runtime = rt
	})
	return c.runtime, c.runtimeErr
}

// withRuntime runs fn against the configured pipeline and releases it
// afterwards. Every invocation runs exactly one command.
func (c *commandContext) withRuntime(cmd *cobra.Command, fn func(rt *config.Runtime) error) error {
	rt, err := c.ensureRuntime(cmd.Context())
	if err != nil {
		return err
	}
	err = fn(rt)
	if closeErr := rt.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func (c *commandContext) wantJSON(cmd *cobra.Command) bool {
	if c.jsonFlag != nil && *c.jsonFlag {
		return true
	}
	return !isTerminal(cmd.OutOrStdout())
}

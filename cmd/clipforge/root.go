package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"clipforge/internal/config"
	"clipforge/internal/jobstore"
	"clipforge/internal/jobstore/remote"
	"clipforge/internal/jobstore/sqlite"
)

// commandContext lazily loads configuration and opens the job store so
// commands that never touch the store (config init, help) stay fast.
type commandContext struct {
	configFlag *string
	cfg        *config.Config
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := ""
	if c.configFlag != nil {
		path = *c.configFlag
	}
	cfg, _, _, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

// openStore connects to the configured store backend. The caller must close.
func (c *commandContext) openStore() (jobstore.Store, func(), error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	switch cfg.Store.Backend {
	case "sqlite":
		store, err := sqlite.Open(cfg.Store.SQLitePath, time.Duration(cfg.Store.ClaimTTL)*time.Second)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case "remote":
		client, err := remote.New(remote.Config{
			BaseURL:  cfg.Store.BaseURL,
			APIToken: cfg.Store.APIToken,
			Timeout:  time.Duration(cfg.Store.RequestTimeout) * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect remote store: %w", err)
		}
		return client, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := &commandContext{configFlag: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "clipforge",
		Short:         "Manage the clipforge derivative job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newQueueCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}

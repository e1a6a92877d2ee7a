package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"clipforge/internal/config"
)

func newConfigCommand(cmdCtx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage clipforge configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigShowCommand(cmdCtx))
	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an annotated sample configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.DefaultConfigPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(config.SampleConfig()), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration file")
	return cmd
}

func newConfigShowCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cmdCtx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store backend:   %s\n", cfg.Store.Backend)
			if cfg.Store.Backend == "sqlite" {
				fmt.Fprintf(out, "Database:        %s\n", cfg.Store.SQLitePath)
			} else {
				fmt.Fprintf(out, "Service URL:     %s\n", cfg.Store.BaseURL)
			}
			fmt.Fprintf(out, "Staging dir:     %s\n", cfg.Paths.StagingDir)
			fmt.Fprintf(out, "Retrieval tool:  %s\n", cfg.Retrieval.ClientBinary)
			fmt.Fprintf(out, "Egress routes:   %d\n", len(cfg.Retrieval.Routes))
			if cfg.ObjectStore.Bucket != "" {
				fmt.Fprintf(out, "Output bucket:   %s\n", cfg.ObjectStore.Bucket)
			} else {
				fmt.Fprintln(out, "Output bucket:   (not configured)")
			}
			return nil
		},
	}
}

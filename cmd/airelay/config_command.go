package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ongoingai/airelay/internal/config"
)

const redacted = "[REDACTED]"

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect relay configuration",
	}

	var validatePath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, stage, err := loadAndValidateConfig(validatePath); err != nil {
				return configError(stage, err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "config is valid: %s\n", validatePath)
			return err
		},
	}
	validate.Flags().StringVar(&validatePath, "config", defaultConfigPath, "Path to config file")

	var printPath string
	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective config with defaults and environment overrides applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(printPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			data, err := yaml.Marshal(redactConfig(cfg))
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	printCmd.Flags().StringVar(&printPath, "config", defaultConfigPath, "Path to config file")

	cmd.AddCommand(validate, printCmd)
	return cmd
}

// redactConfig hides secrets before the config is printed.
func redactConfig(cfg config.Config) config.Config {
	if strings.TrimSpace(cfg.Sink.DSN) != "" {
		cfg.Sink.DSN = redacted
	}
	if cfg.Sink.Redis.Password != "" {
		cfg.Sink.Redis.Password = redacted
	}
	return cfg
}

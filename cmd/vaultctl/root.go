package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendant/content-vault/pkg/vault"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var jsonFlag bool
	var logLevel string

	ctx := newCommandContext(&configFlag, &jsonFlag, &logLevel)

	rootCmd := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Operate the content vault pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (TOML, YAML or JSON)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Always print JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", vault.ErrValidation, err)
	})

	rootCmd.AddCommand(newCreatePlanCommand(ctx))
	rootCmd.AddCommand(newCancelPlanCommand(ctx))
	rootCmd.AddCommand(newPlanStatusCommand(ctx))
	rootCmd.AddCommand(newJobStatusCommand(ctx))
	rootCmd.AddCommand(newSweepStaleCommand(ctx))
	rootCmd.AddCommand(newUploadCommand(ctx))
	rootCmd.AddCommand(newTransformCommand(ctx))
	rootCmd.AddCommand(newStylesCommand(ctx))

	return rootCmd
}

// exactArgs is cobra.ExactArgs reported as a validation error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return fmt.Errorf("%w: %v", vault.ErrValidation, err)
		}
		return nil
	}
}

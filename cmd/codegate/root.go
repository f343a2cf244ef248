package main

import (
	"fmt"
	"os"

	"github.com/MrEthical07/codegate/internal/config"
	"github.com/MrEthical07/codegate/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var envFileFlag string

var rootCmd = &cobra.Command{
	Use:           "codegate",
	Short:         "One-time code verification service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", ".env", "optional env file read before the environment")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(module string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(envFileFlag)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger, err := logging.New(module, cfg.LogLevel, logging.Format(cfg.LogFormat))
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

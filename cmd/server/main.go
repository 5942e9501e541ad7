package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stream-registry/internal/platform/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "stream-registry",
		Short:         "Stream session registry with expiry sweeping and ingest lifecycle",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c",
		config.GetEnv("CONFIG_FILE", "config.yaml"), "path to the YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, expiry sweeper and ingest subscriber",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Delete expired sessions once and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runSweep(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply SQLite schema migrations and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrate(configPath)
			},
		},
	)
	return root
}

// loadConfig reads .env (if present), then the YAML file and environment.
func loadConfig(path string) (config.Config, error) {
	_ = config.Load()
	return config.LoadConfig(path)
}

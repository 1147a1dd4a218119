package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omochice/ws-osc-bridge/internal/config"
	"github.com/omochice/ws-osc-bridge/internal/server"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
	)

	cmd := &cobra.Command{
		Use:   "oscbridge",
		Short: "Relay between WebSocket clients and OSC over UDP",
		Long: `oscbridge accepts WebSocket (and optionally OSC-over-TCP) clients,
forwards their messages as OSC datagrams to one destination, and
broadcasts every OSC datagram it receives to all connected clients.

Settings come from defaults, then --config (YAML), then --env-file,
then the process environment.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, envFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}

			logger := cfg.NewLogger(cmd.ErrOrStderr())
			srv, err := server.New(cfg, logger)
			if err != nil {
				logger.Error("bridge_init_failed", "error", err)
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Run(ctx); err != nil {
				logger.Error("bridge_exited", "error", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "path to a .env file; a missing file is ignored")
	return cmd
}

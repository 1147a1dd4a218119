package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "oscsend",
		Short: "Talk to an oscbridge from the command line",
		Long: `oscsend sends OSC messages through an oscbridge and prints what the
bridge sends back.

Arguments are typed with a prefix (i:3, f:0.5, s:text, d:0.1, h:7,
bool:true, blob:AQID, nil:) or inferred from their form.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var verbose bool
	rootCmd.PersistentFlags().StringVarP(&bridgeAddr, "bridge", "b", "ws://localhost:8080", "bridge address (ws://, wss:// or tcp://)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log connection events to stderr")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		if verbose {
			logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
		}
	}

	rootCmd.AddCommand(
		sendCmd(),
		listenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

var (
	bridgeAddr string
	logger     *slog.Logger
)

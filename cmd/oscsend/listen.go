package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omochice/ws-osc-bridge/internal/bridge"
	"github.com/omochice/ws-osc-bridge/internal/client"
	"github.com/omochice/ws-osc-bridge/pkg/protocol"
)

func listenCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print every message the bridge broadcasts",
		Long: `Connect to the bridge and print each OSC message it relays from
the listen port until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := client.Dial(ctx, bridgeAddr, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case f, ok := <-c.Frames():
					if !ok {
						return bridge.ErrTransportDisconnect
					}
					if raw || f.Kind == bridge.FrameBinary {
						fmt.Fprintf(out, "%s %q\n", f.Kind, f.Data)
						continue
					}
					msg, err := protocol.DecodeText(f.Data)
					if err != nil {
						fmt.Fprintln(out, string(f.Data))
						continue
					}
					fmt.Fprintln(out, msg.String())
				}
			}
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "print frames as received instead of decoding them")
	return cmd
}

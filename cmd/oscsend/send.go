package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/omochice/ws-osc-bridge/internal/client"
	"github.com/omochice/ws-osc-bridge/pkg/protocol"
)

func sendCmd() *cobra.Command {
	var (
		binary  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send ADDRESS [ARG...]",
		Short: "Send one message and print the acknowledgment",
		Example: `  oscsend send /control/slider1 f:0.75
  oscsend send --binary /cue 3 go`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := client.ParseArgs(args[1:])
			if err != nil {
				return err
			}
			msg := protocol.NewMessage(args[0], values...)
			if err := msg.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, err := client.Dial(ctx, bridgeAddr, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			if binary {
				err = c.SendBinary(ctx, msg)
			} else {
				err = c.Send(ctx, msg)
			}
			if err != nil {
				return err
			}

			ack, err := c.NextReply(ctx)
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("no acknowledgment within %s", timeout)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(ack.Data))
			return nil
		},
	}

	cmd.Flags().BoolVar(&binary, "binary", false, "send an OSC binary frame instead of JSON text")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the bridge")
	return cmd
}

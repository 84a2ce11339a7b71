package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send <receiver-id> <text>",
		Short: "Dial the configured peers, send one message and exit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			h, err := newHost(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer h.Close()

			if h.dialPeers(ctx) == 0 {
				return errors.New("no peer reachable")
			}

			msg, err := h.node.Send(ctx, args[0], []byte(args[1]))
			if msg != nil {
				fmt.Printf("Message: %s\nStatus:  %s\n", msg.ID, msg.Status)
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall time limit for connecting and sending")
	return cmd
}

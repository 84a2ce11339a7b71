package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-mesh/pkg/events"
)

func traceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace [file]",
		Short: "Print a recorded CBOR event trace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfg.TracePath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no trace file given and trace_path is not configured")
			}

			evs, err := events.ReadFile(path)
			for _, e := range evs {
				fmt.Println(formatEvent(e))
			}
			return err
		},
	}
}

func formatEvent(e events.Event) string {
	line := fmt.Sprintf("%s %-19s", e.Time.Format(time.RFC3339Nano), e.Kind)
	if e.Peer != "" {
		line += " peer=" + e.Peer
	}
	if e.From != "" || e.To != "" {
		line += fmt.Sprintf(" %s->%s", e.From, e.To)
	}
	if e.Quality != "" {
		line += " quality=" + e.Quality
	}
	if e.MessageID != "" {
		line += fmt.Sprintf(" msg=%s %s->%s hops=%d", e.MessageID, e.SenderID, e.Receiver, e.HopCount)
	}
	if e.NextHop != "" {
		line += " next=" + e.NextHop
	}
	if e.Reason != "" {
		line += fmt.Sprintf(" reason=%q", e.Reason)
	}
	return line
}

package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-mesh/pkg/crypto"
	"github.com/ZentaChain/zentalk-mesh/pkg/storage"
)

func openStore() (*storage.Store, error) {
	if cfg.Storage.Path == "" {
		return nil, errors.New("storage.path is not configured")
	}
	return storage.Open(cfg.Storage.Path, logger.Named("storage"))
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <peer-id>",
		Short: "List stored messages exchanged with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			msgs, err := st.ListMessages(args[0], limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Printf("%s  %s  %s -> %s  [%s] %s\n",
					m.Time().Format(time.DateTime), m.ID, m.SenderID, m.ReceiverID, m.Status, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of most recent messages")
	return cmd
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List known peer identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			peers, err := st.ListPeers()
			if err != nil {
				return err
			}
			for _, p := range peers {
				fmt.Printf("%-32s  %s  first seen %s, updated %s\n",
					p.DeviceID, crypto.Fingerprint(p.PublicKey),
					p.FirstSeen.Format(time.DateTime), p.UpdatedAt.Format(time.DateTime))
			}
			return nil
		},
	}
}

func forwardsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forwards <message-id>",
		Short: "Show the relay decisions recorded for a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid message id: %w", err)
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.ForwardLog(id)
			if err != nil {
				return err
			}
			for _, r := range records {
				outcome := "-> " + r.NextHop
				if r.Failed {
					outcome = "failed: " + r.Reason
				}
				fmt.Printf("%s  from %s  hops=%d  %s\n",
					time.UnixMilli(r.Timestamp).Format(time.DateTime), r.FromPeer, r.HopCount, outcome)
			}
			return nil
		},
	}
}

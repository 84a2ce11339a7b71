package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-mesh/pkg/crypto"
)

func keygenCmd() *cobra.Command {
	var identity bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an X25519 key pair and print its fingerprint",
		Long: "Session keys are ephemeral; keygen is for checking fingerprints and, with\n" +
			"--libp2p, for creating the persistent libp2p host identity.",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			defer kp.Wipe()

			pub := kp.PublicKey()
			fmt.Printf("Public key:  %s\n", hex.EncodeToString(pub))
			fmt.Printf("Fingerprint: %s\n", crypto.Fingerprint(pub))

			if !identity {
				return nil
			}
			priv, err := loadOrGenerateIdentity(cfg.Transport.IdentityPath)
			if err != nil {
				return err
			}
			id, err := peer.IDFromPrivateKey(priv)
			if err != nil {
				return err
			}
			fmt.Printf("libp2p peer: %s (%s)\n", id, cfg.Transport.IdentityPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&identity, "libp2p", false, "also load or create the libp2p identity and print its peer id")
	return cmd
}

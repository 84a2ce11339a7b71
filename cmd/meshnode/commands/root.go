// Package commands implements the meshnode CLI.
package commands

import (
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/internal/config"
	"github.com/ZentaChain/zentalk-mesh/internal/observability"
)

var (
	configPath string
	localID    string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:           "meshnode",
		Short:         "Encrypted multi-hop mesh messaging node",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if localID != "" {
				cfg.LocalID = localID
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err = observability.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./meshnode.yaml)")
	root.PersistentFlags().StringVar(&localID, "id", "", "override local device id")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(runCmd(), sendCmd(), keygenCmd(), traceCmd(), historyCmd(), peersCmd(), forwardsCmd())
	return root.Execute()
}

// parsePeer splits an optional "deviceID@address" peer entry
func parsePeer(entry string) (deviceID, address string) {
	entry = strings.TrimSpace(entry)
	if id, addr, ok := strings.Cut(entry, "@"); ok {
		return strings.TrimSpace(id), strings.TrimSpace(addr)
	}
	return "", entry
}

package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/api"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a mesh node: listen, dial configured peers and relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			h, err := newHost(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer h.Close()

			logger.Info("node started",
				zap.String("local_id", h.node.LocalID()),
				zap.String("transport", cfg.Transport.Kind),
				zap.Uint32("max_hops", cfg.Mesh.MaxHops))

			go h.acceptLoop(ctx)
			go h.node.RunCacheCleaner(ctx, cfg.Mesh.CacheCleanInterval)
			go h.maintenance(ctx)

			if cfg.API.Enable {
				srv := api.NewServer(h.node, h.history(), api.Config{
					Listen:    cfg.API.Listen,
					APIKeys:   cfg.API.APIKeys,
					RateLimit: cfg.API.RateLimit,
					Logger:    logger.Named("api"),
				})
				go func() {
					if err := srv.Start(ctx); err != nil {
						logger.Error("HTTP API stopped", zap.Error(err))
					}
				}()
			}

			if len(cfg.Transport.Peers) > 0 {
				n := h.dialPeers(ctx)
				logger.Info("initial peers connected",
					zap.Int("connected", n),
					zap.Int("configured", len(cfg.Transport.Peers)))
			}

			<-ctx.Done()
			logger.Info("shutting down")
			return nil
		},
	}
}

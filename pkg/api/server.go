// Package api exposes a local HTTP control surface for a running mesh node:
// node status, connected peers, message history and sending.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/network"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// History is the read side of the message store. *storage.Store satisfies it.
type History interface {
	GetMessage(id uuid.UUID) (*protocol.Message, error)
	ListMessages(peer string, limit int) ([]*protocol.Message, error)
	ForwardLog(messageID uuid.UUID) ([]protocol.ForwardRecord, error)
	ListPeers() ([]*protocol.PeerIdentity, error)
}

// Config holds server configuration
type Config struct {
	Listen       string // e.g. 127.0.0.1:7780
	APIKeys      []string
	RateLimit    int // Requests per minute per client, 0 disables
	SendTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Listen:       "127.0.0.1:7780",
		RateLimit:    120,
		SendTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the HTTP API server for one node
type Server struct {
	node       *network.Node
	history    History
	router     *gin.Engine
	cfg        Config
	logger     *zap.Logger
	started    time.Time
	httpServer *http.Server
}

// NewServer builds the router. history may be nil when persistence is off;
// the history endpoints then answer 503.
func NewServer(node *network.Node, history History, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		node:    node,
		history: history,
		router:  gin.New(),
		cfg:     cfg,
		logger:  logger,
		started: time.Now(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware(s.logger))
	if s.cfg.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.cfg.RateLimit)))
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	if len(s.cfg.APIKeys) > 0 {
		v1.Use(AuthMiddleware(s.cfg.APIKeys))
	}
	{
		node := v1.Group("/node")
		{
			node.GET("/info", s.handleNodeInfo)
		}

		peers := v1.Group("/peers")
		{
			peers.GET("", s.handlePeers)
			peers.GET("/known", s.handleKnownPeers)
		}

		messages := v1.Group("/messages")
		{
			messages.POST("", s.handleSend)
			messages.GET("", s.handleListMessages)
			messages.GET("/:id", s.handleGetMessage)
		}
	}
}

// Handler returns the HTTP handler, for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Package config loads the meshnode host configuration.
//
// The library packages never read files or the environment; the host binary
// loads a Config here and passes its values down as options.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// builtinFallbackSeed derives the documented default pre-shared key. Every
// device running the defaults shares it, so it only keeps traffic off the air
// in plaintext; it is not a secret.
const builtinFallbackSeed = "zentalk-mesh/pre-shared-fallback/v1"

// Config is the root host configuration
type Config struct {
	// LocalID is this device's id, at most 32 bytes of UTF-8
	LocalID string `mapstructure:"local_id"`

	// DataDir base directory for the database and traces
	DataDir string `mapstructure:"data_dir"`

	Session   SessionConfig   `mapstructure:"session"`
	Mesh      MeshConfig      `mapstructure:"mesh"`
	Transport TransportConfig `mapstructure:"transport"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Log       LogConfig       `mapstructure:"log"`
	API       APIConfig       `mapstructure:"api"`

	// TracePath, when set, records every session event to a CBOR trace file
	TracePath string `mapstructure:"trace_path"`
}

// SessionConfig controls connect retries and the handshake
type SessionConfig struct {
	ConnectAttempts       int           `mapstructure:"connect_attempts"`
	ConnectRetryDelay     time.Duration `mapstructure:"connect_retry_delay"`
	HandshakeAttempts     int           `mapstructure:"handshake_attempts"`
	HandshakePollInterval time.Duration `mapstructure:"handshake_poll_interval"`
	MaxFrameSize          int           `mapstructure:"max_frame_size"`

	// FallbackEnabled adopts the pre-shared key when the handshake times out
	FallbackEnabled bool `mapstructure:"fallback_enabled"`
	// FallbackKey is a hex encoded 32-byte key; empty uses the built-in key
	FallbackKey string `mapstructure:"fallback_key"`
}

// MeshConfig controls relaying
type MeshConfig struct {
	MaxHops            uint32        `mapstructure:"max_hops"`
	DedupTTL           time.Duration `mapstructure:"dedup_ttl"`
	DedupCapacity      int           `mapstructure:"dedup_capacity"`
	CacheCleanInterval time.Duration `mapstructure:"cache_clean_interval"`
}

// TransportConfig selects how the host reaches peers
type TransportConfig struct {
	// Kind: tcp or libp2p
	Kind string `mapstructure:"kind"`
	// Listen address: host:port for tcp, multiaddr for libp2p. Empty disables listening.
	Listen string `mapstructure:"listen"`
	// Peers to dial at startup: host:port for tcp, full /p2p multiaddr for
	// libp2p, optionally prefixed with the expected device id as "id@address"
	Peers []string `mapstructure:"peers"`
	// IdentityPath holds the libp2p private key; empty means <data_dir>/libp2p.key
	IdentityPath string `mapstructure:"identity_path"`
	// Discovery enables the Kademlia DHT (libp2p only) so peers can be
	// listed by bare peer id
	Discovery bool `mapstructure:"discovery"`
	// Bootstrap multiaddrs used to join the DHT
	Bootstrap []string `mapstructure:"bootstrap"`
}

// APIConfig controls the local HTTP control API
type APIConfig struct {
	Enable    bool     `mapstructure:"enable"`
	Listen    string   `mapstructure:"listen"`
	APIKeys   []string `mapstructure:"api_keys"`
	RateLimit int      `mapstructure:"rate_limit"` // requests per minute per client
}

// StorageConfig controls persistence
type StorageConfig struct {
	// Path of the sqlite database; empty disables persistence
	Path                string        `mapstructure:"path"`
	ForwardLogRetention time.Duration `mapstructure:"forward_log_retention"`
}

// LogConfig defines logger settings
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Default returns a Config populated with the protocol defaults
func Default() *Config {
	return &Config{
		LocalID: "node-1",
		DataDir: "./data",
		Session: SessionConfig{
			ConnectAttempts:       3,
			ConnectRetryDelay:     time.Second,
			HandshakeAttempts:     15,
			HandshakePollInterval: time.Second,
			MaxFrameSize:          64 * 1024,
			FallbackEnabled:       true,
		},
		Mesh: MeshConfig{
			MaxHops:            5,
			DedupTTL:           5 * time.Minute,
			DedupCapacity:      10000,
			CacheCleanInterval: time.Minute,
		},
		Transport: TransportConfig{
			Kind:   "tcp",
			Listen: ":7700",
		},
		API: APIConfig{
			Listen:    "127.0.0.1:7780",
			RateLimit: 120,
		},
		Storage: StorageConfig{
			Path:                "data/mesh.db",
			ForwardLogRetention: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches
// common locations. Environment variables use the prefix MESHNODE with `.`
// replaced by `_`, e.g. MESHNODE_SESSION_HANDSHAKE_ATTEMPTS=5.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MESHNODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("local_id", cfg.LocalID)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("trace_path", cfg.TracePath)
	v.SetDefault("session.connect_attempts", cfg.Session.ConnectAttempts)
	v.SetDefault("session.connect_retry_delay", cfg.Session.ConnectRetryDelay)
	v.SetDefault("session.handshake_attempts", cfg.Session.HandshakeAttempts)
	v.SetDefault("session.handshake_poll_interval", cfg.Session.HandshakePollInterval)
	v.SetDefault("session.max_frame_size", cfg.Session.MaxFrameSize)
	v.SetDefault("session.fallback_enabled", cfg.Session.FallbackEnabled)
	v.SetDefault("session.fallback_key", cfg.Session.FallbackKey)
	v.SetDefault("mesh.max_hops", cfg.Mesh.MaxHops)
	v.SetDefault("mesh.dedup_ttl", cfg.Mesh.DedupTTL)
	v.SetDefault("mesh.dedup_capacity", cfg.Mesh.DedupCapacity)
	v.SetDefault("mesh.cache_clean_interval", cfg.Mesh.CacheCleanInterval)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.listen", cfg.Transport.Listen)
	v.SetDefault("transport.peers", cfg.Transport.Peers)
	v.SetDefault("transport.identity_path", cfg.Transport.IdentityPath)
	v.SetDefault("transport.discovery", cfg.Transport.Discovery)
	v.SetDefault("transport.bootstrap", cfg.Transport.Bootstrap)
	v.SetDefault("api.enable", cfg.API.Enable)
	v.SetDefault("api.listen", cfg.API.Listen)
	v.SetDefault("api.api_keys", cfg.API.APIKeys)
	v.SetDefault("api.rate_limit", cfg.API.RateLimit)
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.forward_log_retention", cfg.Storage.ForwardLogRetention)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		if envPath := os.Getenv("MESHNODE_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("meshnode")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".meshnode"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and normalizes optional fields
func (c *Config) Validate() error {
	c.LocalID = strings.TrimSpace(c.LocalID)
	if c.LocalID == "" {
		return errors.New("local_id is required")
	}
	if len(c.LocalID) > 32 {
		return fmt.Errorf("local_id %q exceeds 32 bytes", c.LocalID)
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if c.Session.ConnectAttempts < 1 {
		return fmt.Errorf("session.connect_attempts must be >= 1, got %d", c.Session.ConnectAttempts)
	}
	if c.Session.ConnectRetryDelay < 0 {
		return fmt.Errorf("session.connect_retry_delay must not be negative")
	}
	if c.Session.HandshakeAttempts < 1 {
		return fmt.Errorf("session.handshake_attempts must be >= 1, got %d", c.Session.HandshakeAttempts)
	}
	if c.Session.HandshakePollInterval <= 0 {
		return fmt.Errorf("session.handshake_poll_interval must be positive")
	}
	if c.Session.MaxFrameSize < 1024 {
		return fmt.Errorf("session.max_frame_size must be >= 1024, got %d", c.Session.MaxFrameSize)
	}
	if _, err := c.FallbackKeyBytes(); err != nil {
		return err
	}

	if c.Mesh.MaxHops == 0 {
		return errors.New("mesh.max_hops must be >= 1")
	}
	if c.Mesh.DedupTTL <= 0 {
		return errors.New("mesh.dedup_ttl must be positive")
	}
	if c.Mesh.DedupCapacity < 1 {
		return fmt.Errorf("mesh.dedup_capacity must be >= 1, got %d", c.Mesh.DedupCapacity)
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case "tcp", "libp2p":
	default:
		return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
	}
	if c.Transport.Discovery && c.Transport.Kind != "libp2p" {
		return errors.New("transport.discovery requires transport.kind libp2p")
	}
	if c.API.Enable && c.API.Listen == "" {
		return errors.New("api.listen is required when the API is enabled")
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("api.rate_limit must be >= 0, got %d", c.API.RateLimit)
	}
	if c.Transport.IdentityPath == "" {
		c.Transport.IdentityPath = filepath.Join(c.DataDir, "libp2p.key")
	}
	return nil
}

// FallbackKeyBytes returns the pre-shared fallback key, or nil when the
// fallback is disabled
func (c *Config) FallbackKeyBytes() ([]byte, error) {
	if !c.Session.FallbackEnabled {
		return nil, nil
	}
	if c.Session.FallbackKey == "" {
		sum := sha256.Sum256([]byte(builtinFallbackSeed))
		return sum[:], nil
	}
	key, err := hex.DecodeString(c.Session.FallbackKey)
	if err != nil {
		return nil, fmt.Errorf("session.fallback_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("session.fallback_key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Package config loads the gateway's immutable startup configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// Config holds every option the gateway reads once at startup and
// never mutates afterward.
type Config struct {
	ListenAddr         string
	TLSCert            string
	TLSKey             string
	ALPNToken          string
	DatabaseURL        string
	MetricsAddr        string
	DevModeEnabled     bool
	MaxConnections     int
	DefaultServerID    string
	OutboxLease        time.Duration
	KeepaliveTimeout   time.Duration
	AuthTimeout        time.Duration
	MaxTalkersDefault  int
	ReceiverQueueDepth int
}

// Parse builds a Config from command-line arguments, applying the
// defaults used throughout this module's tests and documentation.
func Parse(args []string) (Config, error) {
	fs := pflag.NewFlagSet("gateway", pflag.ContinueOnError)

	cfg := Config{}
	fs.StringVar(&cfg.ListenAddr, "listen-addr", ":7443", "QUIC listen address")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate (empty: generate a dev-mode self-signed cert)")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key")
	fs.StringVar(&cfg.ALPNToken, "alpn-token", "voicegw/1", "ALPN protocol token")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "voicegateway.db", "path to the already-migrated SQLite database")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", ":7080", "health/metrics HTTP listen address")
	fs.BoolVar(&cfg.DevModeEnabled, "dev-mode", false, "accept the reserved dev-mode bearer token")
	fs.IntVar(&cfg.MaxConnections, "max-connections", 2048, "maximum concurrent transport connections")
	fs.StringVar(&cfg.DefaultServerID, "default-server-id", "default", "server identifier seeded on first run")
	fs.DurationVar(&cfg.OutboxLease, "outbox-lease", 30*time.Second, "outbox claim lease duration")
	fs.DurationVar(&cfg.KeepaliveTimeout, "keepalive-timeout", 30*time.Second, "idle control-stream timeout")
	fs.DurationVar(&cfg.AuthTimeout, "auth-timeout", 10*time.Second, "authentication handshake deadline")
	fs.IntVar(&cfg.MaxTalkersDefault, "max-talkers-default", 0, "default max concurrent talkers per channel (0: unlimited)")
	fs.IntVar(&cfg.ReceiverQueueDepth, "receiver-queue-depth", 64, "bounded per-receiver outbound datagram queue depth")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}
	if cfg.ReceiverQueueDepth <= 0 {
		return Config{}, fmt.Errorf("receiver-queue-depth must be positive")
	}
	if cfg.DefaultServerID == "" {
		return Config{}, fmt.Errorf("default-server-id must not be empty")
	}
	return cfg, nil
}

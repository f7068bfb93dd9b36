// Command gateway is the voice-forwarding gateway process: it wires
// together Store, AuthZ, Outbox, SessionRegistry, ChannelRouter,
// ControlProtocol, and Transport, then serves QUIC/WebTransport
// connections until terminated.
//
// Grounded on main.go's wiring order (config → store → core
// components → transport listen → background tickers → graceful
// shutdown) and its bracket-prefixed log.Printf idiom.
package main

import (
	"context"
	"crypto/tls"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicegateway/internal/adminapi"
	"voicegateway/internal/authz"
	"voicegateway/internal/config"
	"voicegateway/internal/gateway"
	"voicegateway/internal/outbox"
	"voicegateway/internal/router"
	"voicegateway/internal/store"
	"voicegateway/internal/transport"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("[gateway] config: %v", err)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[gateway] store open: %v", err)
	}
	defer st.Close()

	if err := seedDefaults(st, cfg.DefaultServerID); err != nil {
		log.Fatalf("[gateway] seed defaults: %v", err)
	}

	az := authz.New(st)
	ob := outbox.New(st.DB(), 8)
	rt := router.New(cfg.ReceiverQueueDepth, cfg.MaxTalkersDefault)

	auth := &gateway.DevModeProvider{DevModeOn: cfg.DevModeEnabled, DevUser: "dev-user"}
	gw := gateway.New(gateway.Config{
		ServerID:         cfg.DefaultServerID,
		AuthTimeout:      cfg.AuthTimeout,
		KeepaliveTimeout: cfg.KeepaliveTimeout,
		RecentChatLimit:  50,
	}, st, az, ob, rt, auth)

	tlsConfig, fingerprint, err := loadOrGenerateTLS(cfg)
	if err != nil {
		log.Fatalf("[gateway] tls: %v", err)
	}
	if fingerprint != "" {
		log.Printf("[gateway] dev-mode certificate fingerprint (sha256): %s", fingerprint)
	}

	tr := transport.New(transport.Config{
		ListenAddr:     cfg.ListenAddr,
		TLSConfig:      tlsConfig,
		ALPNToken:      cfg.ALPNToken,
		MaxConnections: cfg.MaxConnections,
	}, func(ctx context.Context, c *transport.Conn) {
		gw.HandleConnection(ctx, c)
	})

	admin := adminapi.New(cfg.MetricsAddr, &statsAdapter{gw: gw, tr: tr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go outbox.RunPublisher(ctx, ob, cfg.DefaultServerID, 500*time.Millisecond, cfg.OutboxLease, 64, gw.PublishLocal)
	go runOptimizeSweep(ctx, st)
	go runKeepaliveSweep(ctx, gw, cfg.KeepaliveTimeout)

	go func() {
		log.Printf("[gateway] admin listening on %s", cfg.MetricsAddr)
		if err := admin.ListenAndServe(); err != nil {
			log.Printf("[gateway] admin server stopped: %v", err)
		}
	}()

	go func() {
		log.Printf("[gateway] listening on %s (alpn=%s)", cfg.ListenAddr, cfg.ALPNToken)
		if err := tr.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[gateway] transport stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Printf("[gateway] shutting down")

	cancel()
	_ = tr.Close()
	_ = admin.Close()
}

// loadOrGenerateTLS reads a certificate pair from disk, or — when no
// cert path is configured — generates a self-signed one, matching
// tls.go's dev-convenience path.
func loadOrGenerateTLS(cfg config.Config) (*tls.Config, string, error) {
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		c, err := transport.LoadCert(cfg.TLSCert, cfg.TLSKey, cfg.ALPNToken)
		if err != nil {
			return nil, "", err
		}
		return c, "", nil
	}
	return transport.GenerateDevCert(90*24*time.Hour, "localhost", cfg.ALPNToken)
}

// runOptimizeSweep periodically runs PRAGMA optimize, mirroring the
// teacher's ticker-driven background maintenance idiom.
func runOptimizeSweep(ctx context.Context, st *store.Store) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.Optimize(ctx); err != nil {
				log.Printf("[gateway] optimize: %v", err)
			}
		}
	}
}

// runKeepaliveSweep closes control streams that have gone quiet for
// longer than timeout, per spec §5's "idle control streams without
// any frame within T_keepalive are closed" rule. A zero timeout
// disables the sweep.
func runKeepaliveSweep(ctx context.Context, gw *gateway.Gateway, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range gw.Sessions().All() {
				if sess.IdleSince() >= timeout {
					log.Printf("[gateway] closing idle session %s (user=%s)", sess.ID, sess.UserID)
					_ = sess.Close("keepalive_timeout")
				}
			}
		}
	}
}

// seedDefaults inserts three pre-seeded capability grants
// (channel.join, channel.speak, chat.post) on an "everyone" role for
// serverID, idempotently, mirroring main.go's seedDefaults first-run
// convenience. channel.moderate is not granted. Capability identifiers
// remain free-form strings per spec §9's open question; this is only a
// starter set.
func seedDefaults(st *store.Store, serverID string) error {
	db := st.DB()
	const roleID = "everyone"
	if _, err := db.Exec(`INSERT INTO roles (id, server_id, name) VALUES (?, ?, 'everyone') ON CONFLICT DO NOTHING`, roleID, serverID); err != nil {
		return err
	}
	for _, capability := range []string{"channel.join", "channel.speak", "chat.post"} {
		if _, err := db.Exec(
			`INSERT INTO role_capabilities (role_id, server_id, capability, effect) VALUES (?, ?, ?, 'grant') ON CONFLICT DO NOTHING`,
			roleID, serverID, capability,
		); err != nil {
			return err
		}
	}
	return nil
}

type statsAdapter struct {
	gw *gateway.Gateway
	tr *transport.Transport
}

func (s *statsAdapter) SessionCount() int                       { return s.gw.SessionCount() }
func (s *statsAdapter) RouterStats() (forwarded, dropped uint64) { return s.gw.RouterStats() }
func (s *statsAdapter) OutboxPending() int                       { return s.gw.OutboxPending() }
func (s *statsAdapter) ActiveConnections() int64                 { return s.tr.ActiveConnections() }

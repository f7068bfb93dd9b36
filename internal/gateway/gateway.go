// Package gateway ties Transport, ControlProtocol, AuthZ, Store,
// Outbox, SessionRegistry, and ChannelRouter together into the
// per-connection orchestration described in spec §2's data-flow
// paragraph.
//
// Grounded on client.go's handleClient lifecycle (accept control
// stream, read join line, register, broadcast join, spawn datagram
// reader, then loop dispatching control lines) generalized to the
// spec's explicit auth/join/leave/mute/chat/move operations and
// AuthZ-gated capability checks.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"voicegateway/internal/authz"
	"voicegateway/internal/outbox"
	"voicegateway/internal/protocol"
	"voicegateway/internal/router"
	"voicegateway/internal/session"
	"voicegateway/internal/store"
)

// AuthProvider validates a bearer token, returning the authenticated
// user id. Consumed, per spec §6 — a real deployment wires this to
// whatever identity system issues tokens; this module depends only on
// the interface.
type AuthProvider interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// DevModeProvider accepts one reserved token when dev mode is enabled,
// and delegates everything else to an inner provider. Grounded on
// main.go's -test-user dev convenience flag.
type DevModeProvider struct {
	Inner     AuthProvider
	Token     string
	DevUser   string
	DevModeOn bool
}

const devModeToken = "dev-mode"

// Verify implements AuthProvider.
func (d *DevModeProvider) Verify(ctx context.Context, token string) (string, error) {
	if d.DevModeOn && token == devModeToken {
		user := d.DevUser
		if user == "" {
			user = "dev-user"
		}
		return user, nil
	}
	if d.Inner == nil {
		return "", fmt.Errorf("no auth provider configured")
	}
	return d.Inner.Verify(ctx, token)
}

// Config bundles the gateway's runtime knobs not already owned by a
// sub-component.
type Config struct {
	ServerID            string
	AuthTimeout         time.Duration
	KeepaliveTimeout    time.Duration
	RecentChatLimit     int
	MaxChatTextBytes    int
	MaxAttachmentsBytes int
}

// Gateway is the top-level orchestrator. One instance is shared across
// every accepted connection.
type Gateway struct {
	cfg Config

	store    *store.Store
	authz    *authz.AuthZ
	outbox   *outbox.Outbox
	sessions *session.Registry
	router   *router.Router
	auth     AuthProvider
}

// New constructs a Gateway. The SessionRegistry's superseded-session
// callback is wired here so Drop/close happens through the same path
// regardless of why a connection ends.
func New(cfg Config, st *store.Store, az *authz.AuthZ, ob *outbox.Outbox, rt *router.Router, auth AuthProvider) *Gateway {
	g := &Gateway{cfg: cfg, store: st, authz: az, outbox: ob, router: rt, auth: auth}
	g.sessions = session.New(g.onSuperseded)
	return g
}

func (g *Gateway) onSuperseded(old *session.Session) {
	ef := protocol.ErrorFrame{Code: protocol.ErrSuperseded, Message: "authenticated again from a different connection"}
	_ = old.SendControl(mustFrame(protocol.TypeError, "", ef))
	g.leaveCurrentChannel(old)
	_ = old.Close("superseded")
}

func mustFrame(typ protocol.Type, corrID string, payload any) protocol.Frame {
	f, err := protocol.Encode(typ, corrID, payload)
	if err != nil {
		// payload types here are all static structs; a marshal error
		// indicates a programming error, not a runtime condition.
		panic(fmt.Sprintf("gateway: encode %s: %v", typ, err))
	}
	return f
}

func (g *Gateway) leaveCurrentChannel(sess *session.Session) {
	chID := sess.ChannelID()
	if chID == "" {
		return
	}
	g.sessions.SetChannel(sess, "", func(s *session.Session, oldID, newID string) {
		g.router.Move(s.ID, oldID, newID, sess)
	})
}

// Sessions exposes the registry, used by cmd/gateway's keepalive sweep.
func (g *Gateway) Sessions() *session.Registry { return g.sessions }

// Router exposes the channel router (adminapi reads RouterStats instead).
func (g *Gateway) Router() *router.Router { return g.router }

// Outbox exposes the outbox the gateway was built with.
func (g *Gateway) Outbox() *outbox.Outbox { return g.outbox }

// SessionCount implements adminapi.Stats.
func (g *Gateway) SessionCount() int { return g.sessions.Count() }

// RouterStats implements adminapi.Stats.
func (g *Gateway) RouterStats() (forwarded, dropped uint64) { return g.router.Stats() }

// OutboxPending implements adminapi.Stats.
func (g *Gateway) OutboxPending() int {
	n, err := g.outbox.PendingCount(context.Background(), g.cfg.ServerID)
	if err != nil {
		return -1
	}
	return n
}

func encodePresencePayload(kind protocol.PresenceKind, channelID, userID, displayName string) string {
	ev := protocol.PresenceEvent{Kind: kind, ChannelID: channelID, UserID: userID, DisplayName: displayName, TSMs: time.Now().UnixMilli()}
	b, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[gateway] marshal presence event: %v", err)
		return "{}"
	}
	return string(b)
}

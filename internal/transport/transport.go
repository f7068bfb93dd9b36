package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// Conn is the per-connection handle exposed to ControlProtocol,
// matching spec §4.7's listen/accept contract: open_control_stream,
// accept_control_stream, send_datagram, recv_datagram, close.
type Conn struct {
	sess   *webtransport.Session
	remote string
}

// OpenControlStream opens a new reliable bidirectional stream. The
// returned value satisfies io.ReadWriteCloser; callers that need
// webtransport-specific behavior (e.g. stream reset) can type-assert.
func (c *Conn) OpenControlStream(ctx context.Context) (io.ReadWriteCloser, error) {
	return c.sess.OpenStreamSync(ctx)
}

// AcceptControlStream waits for the peer to open a bidirectional
// stream (the client always opens the first control stream).
func (c *Conn) AcceptControlStream(ctx context.Context) (io.ReadWriteCloser, error) {
	return c.sess.AcceptStream(ctx)
}

// SendDatagram sends an unreliable, unordered voice frame.
func (c *Conn) SendDatagram(data []byte) error {
	return c.sess.SendDatagram(data)
}

// RecvDatagram blocks until the next unreliable frame arrives.
func (c *Conn) RecvDatagram(ctx context.Context) ([]byte, error) {
	return c.sess.ReceiveDatagram(ctx)
}

// Close tears down the session, surfacing reason to the peer via the
// WebTransport session-close mechanism.
func (c *Conn) Close(reason string) error {
	return c.sess.CloseWithError(0, reason)
}

// RemoteAddr returns the connecting client's address, used in log
// lines and session ids. Connection limiting is global only; there is
// no per-IP limit.
func (c *Conn) RemoteAddr() string { return c.remote }

// AcceptFunc is invoked once per accepted connection. The transport
// does not itself know about sessions/channels/auth — it only hands
// off a Conn and lets internal/gateway drive the rest.
type AcceptFunc func(ctx context.Context, conn *Conn)

// Transport is the QUIC/WebTransport endpoint.
type Transport struct {
	wtServer *webtransport.Server
	h3Server *http3.Server

	maxConnections int64
	active         atomic.Int64

	onAccept AcceptFunc
}

// Config bundles Listen's parameters.
type Config struct {
	ListenAddr     string
	TLSConfig      *tls.Config
	ALPNToken      string
	MaxConnections int
	// Path is the HTTP path the WebTransport CONNECT request targets.
	Path string
}

// New builds a Transport but does not yet start listening.
func New(cfg Config, onAccept AcceptFunc) *Transport {
	if cfg.Path == "" {
		cfg.Path = "/voice"
	}
	t := &Transport{
		maxConnections: int64(cfg.MaxConnections),
		onAccept:       onAccept,
	}

	mux := http.NewServeMux()
	wt := &webtransport.Server{
		H3: http3.Server{
			Addr:      cfg.ListenAddr,
			TLSConfig: cfg.TLSConfig,
			Handler:   mux,
		},
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	t.wtServer = wt
	t.h3Server = &wt.H3

	mux.HandleFunc(cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		if t.maxConnections > 0 && t.active.Load() >= t.maxConnections {
			// spec §4.7: excess connections are rejected at accept time
			// with server_busy.
			http.Error(w, "server_busy", http.StatusServiceUnavailable)
			return
		}
		sess, err := wt.Upgrade(w, r)
		if err != nil {
			log.Printf("[transport] upgrade failed: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		t.active.Add(1)
		defer t.active.Add(-1)

		conn := &Conn{sess: sess, remote: r.RemoteAddr}
		t.onAccept(sess.Context(), conn)
	})

	return t
}

// ListenAndServe blocks, accepting connections until the transport is
// closed or the context is cancelled.
func (t *Transport) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- t.wtServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = t.Close()
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("transport serve: %w", err)
		}
		return nil
	}
}

// ActiveConnections reports the current in-flight connection count,
// used by the adminapi health endpoint.
func (t *Transport) ActiveConnections() int64 { return t.active.Load() }

// Close shuts the transport down.
func (t *Transport) Close() error {
	return t.wtServer.Close()
}

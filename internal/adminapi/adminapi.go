// Package adminapi exposes a minimal HTTP surface bound to
// metrics_addr: a health check and a plain JSON counters endpoint.
// This is deliberately not a Prometheus exporter — metrics export is
// listed as an external collaborator in spec §1 — it exists only so
// an operator (or a smoke test) can ask "is this gateway alive and
// roughly how busy is it" without a control-protocol client.
//
// Grounded on api.go's Echo wiring: a dedicated jsonErrorHandler and a
// small, explicitly-registered route set rather than Echo's default
// middleware stack.
package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Stats is the narrow view the admin surface reads from. Implemented
// by internal/gateway.Gateway plus a transport handle in cmd/gateway.
type Stats interface {
	SessionCount() int
	RouterStats() (forwarded, dropped uint64)
	OutboxPending() int
	ActiveConnections() int64
}

// Server wraps an *echo.Echo bound to one listen address.
type Server struct {
	echo *echo.Echo
	addr string
}

// New builds a Server exposing /healthz and /stats against stats.
func New(addr string, stats Stats) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/stats", func(c echo.Context) error {
		forwarded, dropped := stats.RouterStats()
		return c.JSON(http.StatusOK, map[string]any{
			"sessions":           stats.SessionCount(),
			"active_connections": stats.ActiveConnections(),
			"frames_forwarded":   forwarded,
			"frames_dropped":     dropped,
			"outbox_pending":     stats.OutboxPending(),
		})
	})

	return &Server{echo: e, addr: addr}
}

func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": err.Error()})
	}
}

// ListenAndServe blocks until the listener errors or is closed.
func (s *Server) ListenAndServe() error {
	return s.echo.Start(s.addr)
}

// Close shuts the admin HTTP server down.
func (s *Server) Close() error {
	return s.echo.Close()
}

// Package gateway is the Transport Gateway. It upgrades session requests
// to websockets, checks them against the lifecycle state and hands the
// connection to the session registry.
//
// Requests are validated in a fixed order: protocol, VM existence, then
// session admission. Rejections happen after the upgrade so that the
// client always receives a close code it can act on.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/javanstorm/vmlab/internal/bridge"
	"github.com/javanstorm/vmlab/internal/lab"
	"github.com/javanstorm/vmlab/internal/session"
)

// VMLookup resolves VM ids. The lifecycle controller implements it.
type VMLookup interface {
	GetVM(ctx context.Context, id string) (*lab.VM, error)
}

// Config holds gateway settings.
type Config struct {
	// AllowedOrigins lists browser origins allowed to connect. Empty or
	// "*" allows all; requests without an Origin header are always
	// allowed.
	AllowedOrigins []string

	// ReadLimit caps one inbound message, in bytes.
	ReadLimit int64

	WriteTimeout time.Duration
}

// Gateway serves the session endpoint.
type Gateway struct {
	cfg      Config
	vms      VMLookup
	sessions *session.Registry
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates a gateway.
func New(cfg Config, vms VMLookup, sessions *session.Registry, logger *slog.Logger) *Gateway {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = bridge.DefaultConfig().WriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = int64(bridge.DefaultConfig().BufferSize)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		cfg:      cfg,
		vms:      vms,
		sessions: sessions,
		upgrader: makeUpgrader(cfg.AllowedOrigins),
		logger:   logger.With("component", "gateway"),
	}
}

// makeUpgrader creates a websocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP handles GET /ws/{protocol}/{vmID}.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rawProto := chi.URLParam(r, "protocol")
	vmID := chi.URLParam(r, "vmID")

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "vm", vmID, "error", err)
		return
	}
	conn := newWSConn(ws, g.cfg.ReadLimit, g.cfg.WriteTimeout)
	ctx := r.Context()

	proto, err := bridge.ParseProtocol(rawProto)
	if err != nil {
		g.reject(conn, vmID, CodeBadProtocol, err)
		return
	}
	if _, err := g.vms.GetVM(ctx, vmID); err != nil {
		g.reject(conn, vmID, rejectCode(err), err)
		return
	}

	s, err := g.sessions.Open(ctx, vmID, proto)
	if err != nil {
		g.reject(conn, vmID, rejectCode(err), err)
		return
	}

	// Attach closes the connection itself when it fails.
	if err := g.sessions.Attach(ctx, s.ID, conn); err != nil {
		g.logger.Info("session attach failed", "session", s.ID, "vm", vmID, "protocol", proto, "error", err)
		return
	}
	g.logger.Info("session started", "session", s.ID, "vm", vmID, "protocol", proto, "remote", r.RemoteAddr)
}

func (g *Gateway) reject(conn *wsConn, vmID string, code int, err error) {
	g.logger.Info("session rejected", "vm", vmID, "code", code, "error", err)
	if cerr := conn.closeWith(code, err.Error()); cerr != nil {
		g.logger.Debug("close rejected connection", "error", cerr)
	}
}

// rejectCode maps a request-time error to its close code.
func rejectCode(err error) int {
	switch {
	case errors.Is(err, lab.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, lab.ErrVMNotRunning):
		return CodeVMNotRunning
	case errors.Is(err, lab.ErrSessionLimitExceeded):
		return CodeSessionLimit
	case errors.Is(err, session.ErrShuttingDown):
		return CodeGoingAway
	}
	return CodeInternalError
}

// Package api is the REST surface of the control plane. Lifecycle
// requests go to the lifecycle controller; session endpoints are served
// by the gateway.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/javanstorm/vmlab/internal/lifecycle"
	"github.com/javanstorm/vmlab/internal/session"
)

// Options configures the router.
type Options struct {
	Controller *lifecycle.Controller
	Sessions   *session.Registry

	// Gateway serves /ws/{protocol}/{vmID}.
	Gateway http.Handler

	APIToken       string
	AllowedOrigins []string
	Version        string
}

// NewRouter creates the Chi router with all routes and middleware.
func NewRouter(opts Options, logger *slog.Logger) *chi.Mux {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := chi.NewRouter()

	r.Use(CORS(opts.AllowedOrigins))
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	healthH := &HealthHandler{ctrl: opts.Controller, sessions: opts.Sessions, version: opts.Version}
	labH := &LabHandler{ctrl: opts.Controller}
	vmH := &VMHandler{ctrl: opts.Controller, sessions: opts.Sessions}

	r.Get("/", healthH.Root)
	r.Get("/health", healthH.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuth(opts.APIToken))

		r.Route("/labs", func(r chi.Router) {
			r.Get("/", labH.List)
			r.Post("/", labH.Create)
			r.Get("/{id}", labH.Get)
			r.Delete("/{id}", labH.Delete)
			r.Post("/{id}/deploy", labH.Deploy)
			r.Get("/{id}/logs", labH.Logs)
		})

		r.Route("/vms", func(r chi.Router) {
			r.Get("/", vmH.List)
			r.Get("/{id}", vmH.Get)
			r.Post("/{id}/start", vmH.Start)
			r.Post("/{id}/stop", vmH.Stop)
			r.Post("/{id}/restart", vmH.Restart)
			r.Get("/{id}/ssh_access", vmH.SSHAccess)
			r.Get("/{id}/vnc_access", vmH.VNCAccess)
			r.Get("/{id}/sessions", vmH.Sessions)
		})

		if opts.Gateway != nil {
			r.Handle("/ws/{protocol}/{vmID}", opts.Gateway)
		}
	})

	return r
}

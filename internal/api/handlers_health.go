package api

import (
	"net/http"

	"github.com/javanstorm/vmlab/internal/lifecycle"
	"github.com/javanstorm/vmlab/internal/session"
)

// HealthHandler serves the health check and root banner.
type HealthHandler struct {
	ctrl     *lifecycle.Controller
	sessions *session.Registry
	version  string
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Labs     int    `json:"labs"`
	Sessions int    `json:"sessions"`
	Error    string `json:"error,omitempty"`
}

// Health handles GET /health. It reports degraded when the store cannot
// be read.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: h.version}
	labs, err := h.ctrl.ListLabs(r.Context())
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Labs = len(labs)
	resp.Sessions = len(h.sessions.List(""))
	writeJSON(w, http.StatusOK, resp)
}

// Root handles GET /
func (h *HealthHandler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "vmlab",
		"message": "vmlab lab orchestration API",
		"version": h.version,
	})
}

package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/javanstorm/vmlab/internal/lab"
	"github.com/javanstorm/vmlab/internal/lifecycle"
	"github.com/javanstorm/vmlab/internal/session"
)

// VMHandler serves VM lifecycle, access and session endpoints.
type VMHandler struct {
	ctrl     *lifecycle.Controller
	sessions *session.Registry
}

// List handles GET /vms?lab_id=
func (h *VMHandler) List(w http.ResponseWriter, r *http.Request) {
	vms, err := h.ctrl.ListVMs(r.Context(), r.URL.Query().Get("lab_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vms)
}

// Get handles GET /vms/{id}
func (h *VMHandler) Get(w http.ResponseWriter, r *http.Request) {
	vm, err := h.ctrl.GetVM(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vm)
}

// Start handles POST /vms/{id}/start
func (h *VMHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.ctrl.StartVM)
}

// Stop handles POST /vms/{id}/stop
func (h *VMHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.ctrl.StopVM)
}

// Restart handles POST /vms/{id}/restart
func (h *VMHandler) Restart(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.ctrl.RestartVM)
}

func (h *VMHandler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*lab.VM, error)) {
	vm, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vm)
}

// SSHAccess handles GET /vms/{id}/ssh_access
func (h *VMHandler) SSHAccess(w http.ResponseWriter, r *http.Request) {
	access, err := h.ctrl.SSHAccess(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, access)
}

// VNCAccess handles GET /vms/{id}/vnc_access
func (h *VMHandler) VNCAccess(w http.ResponseWriter, r *http.Request) {
	access, err := h.ctrl.VNCAccess(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, access)
}

// Sessions handles GET /vms/{id}/sessions
func (h *VMHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.ctrl.GetVM(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessions.List(id))
}

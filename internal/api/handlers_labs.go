package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/javanstorm/vmlab/internal/lab"
	"github.com/javanstorm/vmlab/internal/lifecycle"
)

// LabHandler serves lab CRUD, deploy and deployment log endpoints.
type LabHandler struct {
	ctrl *lifecycle.Controller
}

// List handles GET /labs
func (h *LabHandler) List(w http.ResponseWriter, r *http.Request) {
	labs, err := h.ctrl.ListLabs(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, labs)
}

// Create handles POST /labs
func (h *LabHandler) Create(w http.ResponseWriter, r *http.Request) {
	var spec lab.Spec
	if err := decodeJSON(w, r, &spec); err != nil {
		writeErr(w, err)
		return
	}
	l, err := h.ctrl.CreateLab(r.Context(), &spec)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// Get handles GET /labs/{id}
func (h *LabHandler) Get(w http.ResponseWriter, r *http.Request) {
	l, err := h.ctrl.GetLab(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// Delete handles DELETE /labs/{id}
func (h *LabHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.DeleteLab(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Deploy handles POST /labs/{id}/deploy. The deployment runs in the
// background; progress is visible through the lab status and its logs.
func (h *LabHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	l, err := h.ctrl.Deploy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, l)
}

// Logs handles GET /labs/{id}/logs
func (h *LabHandler) Logs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.ctrl.Logs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/poolbet/internal/model"
)

// EnsureUserRequest is the optional JSON body for POST /users.
type EnsureUserRequest struct {
	DisplayName string `json:"display_name"`
}

// EnsureUserResponse reports the actor's user record.
type EnsureUserResponse struct {
	User    *model.User `json:"user"`
	Created bool        `json:"created"`
}

// EnsureUser handles POST /api/v1/users. It creates the actor's user with the
// starting balance on first login and returns the existing record after.
func (h *Handler) EnsureUser(w http.ResponseWriter, r *http.Request) {
	var req EnsureUserRequest
	if err := decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeServiceError(w, r, h.logger, err)
		return
	}

	u, created, err := h.accounts.Ensure(r.Context(), actorFrom(r.Context()), req.DisplayName)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, EnsureUserResponse{User: u, Created: created})
}

// GetUser handles GET /api/v1/users/{userID}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.accounts.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// GetPortfolio handles GET /api/v1/users/{userID}/portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.accounts.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ABOUTME: HTTP API handlers for reading scopes and applying serialized mutations
// ABOUTME: Every write funnels into the hub's single Store queue

package hub

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/tabsync/internal/store"
	"github.com/2389/tabsync/internal/window"
)

// maxMutationBytes bounds a mutation request body.
const maxMutationBytes = 4 << 20

// MutationRequest is the JSON request body for POST /api/scopes/{id}/mutations.
type MutationRequest struct {
	Upserts []window.Window `json:"upserts,omitempty"`
	Deletes []string        `json:"deletes,omitempty"`
	At      int64           `json:"at,omitempty"`
}

// ScopesResponse is the JSON response for GET /api/scopes.
type ScopesResponse struct {
	Scopes map[string]window.ScopeState `json:"scopes"`
}

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error string `json:"error"`
}

// handleHealth returns 200 OK if the server is alive.
func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleListScopes handles GET /api/scopes.
func (h *Hub) handleListScopes(w http.ResponseWriter, r *http.Request) {
	scopes, err := h.store.LoadAll(r.Context())
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, ScopesResponse{Scopes: scopes})
}

// handleGetScope handles GET /api/scopes/{id}. Scopes never written return 404.
func (h *Hub) handleGetScope(w http.ResponseWriter, r *http.Request) {
	scopeID := r.PathValue("id")
	st, ok, err := h.store.Load(r.Context(), scopeID)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	if !ok {
		h.sendJSONError(w, http.StatusNotFound, "scope not found")
		return
	}
	h.sendJSON(w, http.StatusOK, st)
}

// handleApplyMutation handles POST /api/scopes/{id}/mutations.
func (h *Hub) handleApplyMutation(w http.ResponseWriter, r *http.Request) {
	scopeID := r.PathValue("id")

	var req MutationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMutationBytes))
	if err := dec.Decode(&req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := h.store.Apply(r.Context(), scopeID, store.Mutation{
		Upserts: req.Upserts,
		Deletes: req.Deletes,
		At:      req.At,
	})
	if err != nil {
		h.sendStoreError(w, err)
		return
	}

	h.logger.Debug("mutation applied",
		"scope_id", scopeID,
		"save_id", res.SaveID,
		"upserted", res.Upserted,
		"deleted", res.Deleted)
	h.sendJSON(w, http.StatusOK, res)
}

// sendStoreError maps store failures onto HTTP statuses.
func (h *Hub) sendStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrScopeMismatch), errors.Is(err, window.ErrInvalidWindow):
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrStoreUnavailable), errors.Is(err, store.ErrClosed):
		h.logger.Warn("StoreUnavailable: request failed", "error", err)
		h.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("store request failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Hub) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (h *Hub) sendJSONError(w http.ResponseWriter, status int, message string) {
	h.sendJSON(w, status, errorResponse{Error: message})
}

// Copyright 2024-2026 Aiku AI

package bridge

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
)

// maxAdminBodySize caps admin API request bodies (64 KB).
const maxAdminBodySize = 64 << 10

// accessRequest is the JSON body of the access mutation endpoints.
type accessRequest struct {
	UserID string `json:"user_id"`
}

// AdminHandler returns the admin HTTP API: explicit allow/block list
// mutation plus a status snapshot. cmd mounts it next to /metrics and
// /healthz.
func (e *Engine) AdminHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/access/allow", e.handleAccessMutation(func(id string) { e.gate.Allow(id) })).Methods(http.MethodPost)
	r.HandleFunc("/api/access/block", e.handleAccessMutation(func(id string) { e.gate.Block(id) })).Methods(http.MethodPost)
	r.HandleFunc("/api/access/unblock", e.handleAccessMutation(func(id string) { e.gate.Unblock(id) })).Methods(http.MethodPost)
	r.HandleFunc("/api/status", e.handleStatus).Methods(http.MethodGet)
	return r
}

func (e *Engine) handleAccessMutation(apply func(userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		var req accessRequest
		if err := json.Unmarshal(body, &req); err != nil || req.UserID == "" {
			http.Error(w, "invalid JSON, expected {\"user_id\": ...}", http.StatusBadRequest)
			return
		}
		apply(req.UserID)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "user_id": req.UserID})
	}
}

func (e *Engine) handleStatus(w http.ResponseWriter, _ *http.Request) {
	owner, allow, block := e.gate.Snapshot()
	resp := map[string]any{
		"threads":     e.store.ThreadCount(),
		"crossrefs":   e.crossref.Len(),
		"queue_depth": e.queue.Len(),
		"owner":       owner,
		"allow":       allow,
		"block":       block,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		e.log.Warn().Err(err).Msg("Failed to write status response")
	}
}

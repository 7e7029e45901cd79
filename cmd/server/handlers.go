package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tnfdlab/naturekg"
	"github.com/tnfdlab/naturekg/answer"
)

type handler struct {
	engine naturekg.Engine
}

func newHandler(e naturekg.Engine) *handler {
	return &handler{engine: e}
}

// POST /ask
func (h *handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	resp, err := h.engine.Ask(ctx, req.Question)
	if err != nil {
		if errors.Is(err, naturekg.ErrNoResults) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"answer": map[string]interface{}{"text": answer.NoContextAnswer},
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "ask failed")
		slog.Error("ask error", "question", req.Question, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// GET /stats
func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		slog.Error("stats error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

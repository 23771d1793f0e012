// Package handler exposes the reflection workflow over HTTP: a blocking
// request/response endpoint and a websocket streaming endpoint.
package handler

import (
	"context"
	"net/http"

	"reflectify/internal/session"
)

// Sessions is the session-manager contract the handlers depend on.
type Sessions interface {
	Session(ctx context.Context, id string) (*session.Session, error)
}

type Handler struct {
	sessions Sessions
}

func New(sessions Sessions) *Handler {
	return &Handler{sessions: sessions}
}

// Routes mounts the chat endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/chat", h.HandleChat)
	mux.HandleFunc("/ws/chat", h.HandleChatWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

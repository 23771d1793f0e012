package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"reflectify/internal/reflect"
)

type chatRequest struct {
	SessionID   string `json:"session_id"`
	Prompt      string `json:"prompt"`
	AccessToken string `json:"access_token,omitempty"`
}

type chatResponse struct {
	Response string `json:"response"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleChat runs one turn in wait-for-final mode and returns the approved
// (or forced-approved) response.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.SessionID == "" || req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session_id and prompt are required"})
		return
	}

	sess, err := h.sessions.Session(r.Context(), req.SessionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	text, err := sess.RunTurn(r.Context(), req.Prompt, req.AccessToken)
	if err != nil {
		log.Printf("[handler] turn failed (session=%s): %v", req.SessionID, err)
		var transient *reflect.TransientError
		if errors.As(err, &transient) {
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: transient.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Response: text})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

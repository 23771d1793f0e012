// Package session owns ordered conversation history across turns. A session
// appends exactly one (user, assistant) pair per successful turn; a failed
// turn leaves history unchanged so the user may retry the same prompt.
package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"reflectify/internal/chat"
	"reflectify/internal/reflect"
)

// Entry is one persisted history row.
type Entry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Store is the external history log. The session treats it as a pure
// key-value append log.
type Store interface {
	Load(ctx context.Context, sessionID string) ([]Entry, error)
	Append(ctx context.Context, sessionID string, entries []Entry) error
}

// TurnRunner is the workflow engine contract the session depends on.
type TurnRunner interface {
	RunTurn(ctx context.Context, req reflect.TurnRequest) (reflect.TurnResult, error)
}

// Session drives turns for one conversation.
type Session struct {
	id     string
	engine TurnRunner
	store  Store

	mu      sync.Mutex
	history chat.History
}

func New(id string, engine TurnRunner, store Store, history chat.History) *Session {
	return &Session{
		id:      strings.TrimSpace(id),
		engine:  engine,
		store:   store,
		history: history.Clone(),
	}
}

func (s *Session) ID() string { return s.id }

// History returns a snapshot of the conversation so far.
func (s *Session) History() chat.History {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Clone()
}

// RunTurn runs one prompt to a terminal state. On approval or forced
// approval the (user, assistant) pair is appended to history and the store;
// on failure nothing is committed.
func (s *Session) RunTurn(ctx context.Context, prompt string, accessToken string) (string, error) {
	if s == nil || s.engine == nil {
		return "", fmt.Errorf("session: not initialized")
	}
	s.mu.Lock()
	snapshot := s.history.Clone()
	s.mu.Unlock()

	res, err := s.engine.RunTurn(ctx, reflect.TurnRequest{
		SessionID:   s.id,
		Prompt:      prompt,
		History:     snapshot,
		AccessToken: accessToken,
	})
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.history = s.history.Append(chat.User(prompt), chat.Assistant(res.Text))
	s.mu.Unlock()

	if s.store != nil {
		pair := []Entry{
			{Role: string(chat.RoleUser), Text: prompt},
			{Role: string(chat.RoleAssistant), Text: res.Text},
		}
		if err := s.store.Append(ctx, s.id, pair); err != nil {
			// History is already committed in memory; persistence is
			// best-effort and must not fail the delivered turn.
			log.Printf("[session] append %s failed: %v", s.id, err)
		}
	}
	return res.Text, nil
}

func historyFromEntries(entries []Entry) chat.History {
	if len(entries) == 0 {
		return nil
	}
	out := make(chat.History, 0, len(entries))
	for _, e := range entries {
		role := chat.Role(strings.TrimSpace(e.Role))
		switch role {
		case chat.RoleUser, chat.RoleAssistant, chat.RoleSystem:
		default:
			role = chat.RoleAssistant
		}
		out = append(out, chat.Message{Role: role, Text: e.Text})
	}
	return out
}

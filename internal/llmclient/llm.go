package llmclient

import (
	"context"
	"encoding/json"
	"errors"

	"reflectify/internal/chat"
)

var (
	ErrInvalidJSON   = errors.New("invalid json from LLM")
	ErrEmptyResponse = errors.New("empty response from LLM")
)

// PermanentError indicates an error that will not resolve with retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// ToolSpec describes an external tool endpoint passed through to the
// provider. Tool semantics are the provider's business; the workflow only
// forwards the specs (and per-turn auth headers).
type ToolSpec struct {
	Name    string
	URL     string
	Headers map[string]string
}

// Request carries one completion call.
type Request struct {
	Messages []chat.Message
	Tools    []ToolSpec
	// Model overrides the client default when non-empty.
	Model string
}

// Client turns a message sequence into a candidate reply. Implementations
// must bound call duration themselves; callers do not add deadlines.
type Client interface {
	Name() string
	// Complete returns the assistant reply for the given context.
	Complete(ctx context.Context, req Request) (chat.Message, error)
	// CompleteJSON asks for a structured JSON response and returns it raw.
	CompleteJSON(ctx context.Context, req Request) (json.RawMessage, error)
	Close() error
}

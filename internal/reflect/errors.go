package reflect

import "errors"

var (
	// ErrUnknownRequest marks a review response whose requestId has no
	// pending entry. This is engine corruption, never expected input.
	ErrUnknownRequest = errors.New("reflect: review response for unknown request id")

	// ErrInvalidVerdict marks a structured verdict that failed to decode.
	ErrInvalidVerdict = errors.New("reflect: malformed review verdict")

	// ErrEngineClosed is returned for turns submitted after Close.
	ErrEngineClosed = errors.New("reflect: engine is closed")

	errEmptyPrompt = errors.New("prompt is empty")
)

// TransientError wraps a provider or decode failure that aborts the current
// turn without touching session history. The same prompt may be retried.
type TransientError struct {
	Stage string // "generation" or "review"
	Err   error
}

func (e *TransientError) Error() string {
	return "reflect: transient " + e.Stage + " failure: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Package reflect implements the reflection workflow engine: a generator
// actor and a reviewer actor wired into a bidirectional loop that gates
// every candidate response behind an approve/reject verdict, with a bounded
// number of refinement rounds per turn.
package reflect

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reflectify/internal/chat"
	"reflectify/internal/llmclient"
)

type Outcome string

const (
	OutcomeApproved       Outcome = "approved"
	OutcomeForcedApproved Outcome = "forced_approved"
	OutcomeFailed         Outcome = "failed"
)

// TurnRequest is one user prompt submitted to the engine.
type TurnRequest struct {
	SessionID string
	Prompt    string
	History   chat.History
	// AccessToken is forwarded as an opaque bearer token on tool calls.
	AccessToken string
}

// TurnResult is the terminal state of a turn.
type TurnResult struct {
	RequestID string
	Text      string
	Outcome   Outcome
	// Rounds is the number of generation calls made (1 + refinements).
	Rounds int
	Err    error
}

// Transcript is the audit record of a completed turn.
type Transcript struct {
	SessionID   string           `json:"session_id"`
	RequestID   string           `json:"request_id"`
	Outcome     Outcome          `json:"outcome"`
	Rounds      int              `json:"rounds"`
	FinalText   string           `json:"final_text"`
	Buffer      []chat.Message   `json:"buffer"`
	Verdicts    []ReviewResponse `json:"verdicts"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Archiver persists turn transcripts. Best-effort: failures are logged,
// never surfaced to the turn.
type Archiver interface {
	Archive(ctx context.Context, t Transcript) error
}

// Options configures the engine.
type Options struct {
	// MaxRefinements caps reject-then-regenerate rounds per turn. Zero
	// means the first candidate is final regardless of the verdict.
	MaxRefinements int
	// Tools are forwarded to the completion provider on generation calls.
	Tools []llmclient.ToolSpec
	// Archiver, when set, receives a transcript per delivered turn.
	Archiver Archiver
}

// pendingTurn is the engine-owned state of one in-flight turn. Entries are
// created on submission and removed exactly once on terminal resolution.
type pendingTurn struct {
	ctx         context.Context
	req         GenerationRequest
	sessionID   string
	buffer      []chat.Message
	candidate   chat.Message
	refinements int
	verdicts    []ReviewResponse
	done        chan TurnResult
}

// Engine wires the generator and reviewer actors and owns the shared
// pending-turn table. Turns from concurrent sessions are keyed by their
// unique request id and never ordered relative to each other.
type Engine struct {
	provider       llmclient.Client
	maxRefinements int
	tools          []llmclient.ToolSpec
	archiver       Archiver

	gen *generator
	rev *reviewer

	mu      sync.Mutex
	pending map[string]*pendingTurn
	closed  bool

	wg sync.WaitGroup
}

func NewEngine(provider llmclient.Client, opts Options) *Engine {
	if opts.MaxRefinements < 0 {
		opts.MaxRefinements = 0
	}
	e := &Engine{
		provider:       provider,
		maxRefinements: opts.MaxRefinements,
		tools:          opts.Tools,
		archiver:       opts.Archiver,
		pending:        make(map[string]*pendingTurn),
	}
	e.gen = &generator{e: e, mail: newMailbox[genEnvelope]()}
	e.rev = &reviewer{e: e, mail: newMailbox[revEnvelope]()}
	e.wg.Add(2)
	go e.gen.loop(&e.wg)
	go e.rev.loop(&e.wg)
	return e
}

// Close fails every pending turn with ErrEngineClosed, then stops both
// actor loops. Messages still in flight for a failed turn are dropped by
// the actors; mailbox sends after Close are no-ops.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.fail(id, ErrEngineClosed)
	}
	e.gen.mail.close()
	e.rev.mail.close()
	e.wg.Wait()
}

func (e *Engine) closing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// RunTurn drives one prompt to a terminal state. It blocks until the turn
// is approved, forced-approved, failed, or the context is cancelled. Stream
// consumers attach a Sink to ctx via WithSink.
func (e *Engine) RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return TurnResult{Outcome: OutcomeFailed}, &TransientError{Stage: "generation", Err: errEmptyPrompt}
	}

	requestID := uuid.NewString()
	gr := GenerationRequest{
		RequestID:   requestID,
		UserPrompt:  prompt,
		History:     req.History.Clone(),
		AccessToken: strings.TrimSpace(req.AccessToken),
	}
	entry := &pendingTurn{
		ctx:       ctx,
		req:       gr,
		sessionID: strings.TrimSpace(req.SessionID),
		done:      make(chan TurnResult, 1),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return TurnResult{RequestID: requestID, Outcome: OutcomeFailed}, ErrEngineClosed
	}
	e.pending[requestID] = entry
	e.mu.Unlock()

	log.Printf("[engine] turn %s started (session=%s)", shortID(requestID), entry.sessionID)
	e.gen.mail.put(genEnvelope{ctx: ctx, req: &gr})

	select {
	case <-ctx.Done():
		// The entry stays in the pending table; the actors reap it when
		// the next message for this id arrives.
		return TurnResult{RequestID: requestID, Outcome: OutcomeFailed, Err: ctx.Err()}, ctx.Err()
	case res := <-entry.done:
		return res, res.Err
	}
}

// lookup returns the pending entry for id, or nil when the turn is gone.
func (e *Engine) lookup(id string) *pendingTurn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending[id]
}

// pop removes and returns the pending entry. Removal is idempotent.
func (e *Engine) pop(id string) *pendingTurn {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry := e.pending[id]
	delete(e.pending, id)
	return entry
}

// resolve moves a turn to a terminal state: removes the pending entry,
// emits the closing stream frames, archives the transcript, and unblocks
// the caller. A second resolve for the same id is a no-op.
func (e *Engine) resolve(id string, res TurnResult) {
	entry := e.pop(id)
	if entry == nil {
		return
	}
	res.RequestID = id
	res.Rounds = entry.refinements + 1

	switch res.Outcome {
	case OutcomeFailed:
		msg := "turn failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		emit(entry.ctx, Event{Type: EventError, RequestID: id, Content: msg})
		log.Printf("[engine] turn %s failed: %v", shortID(id), res.Err)
	default:
		log.Printf("[engine] turn %s resolved: %s after %d round(s)", shortID(id), res.Outcome, res.Rounds)
		e.archive(entry, res)
	}
	emit(entry.ctx, Event{Type: EventDone, RequestID: id})
	entry.done <- res
}

// fail resolves a turn with a turn-aborting error.
func (e *Engine) fail(id string, err error) {
	e.resolve(id, TurnResult{Outcome: OutcomeFailed, Err: err})
}

func (e *Engine) archive(entry *pendingTurn, res TurnResult) {
	if e.archiver == nil {
		return
	}
	t := Transcript{
		SessionID:   entry.sessionID,
		RequestID:   res.RequestID,
		Outcome:     res.Outcome,
		Rounds:      res.Rounds,
		FinalText:   res.Text,
		Buffer:      entry.buffer,
		Verdicts:    entry.verdicts,
		CompletedAt: time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.archiver.Archive(ctx, t); err != nil {
			log.Printf("[engine] archive %s failed: %v", shortID(t.RequestID), err)
		}
	}()
}

// toolsFor clones the configured tool specs, attaching the turn's bearer
// token when present.
func (e *Engine) toolsFor(accessToken string) []llmclient.ToolSpec {
	if len(e.tools) == 0 {
		return nil
	}
	out := make([]llmclient.ToolSpec, len(e.tools))
	for i, t := range e.tools {
		headers := make(map[string]string, len(t.Headers)+2)
		for k, v := range t.Headers {
			headers[k] = v
		}
		headers["Content-Type"] = "application/json"
		if accessToken != "" {
			headers["Authorization"] = "Bearer " + accessToken
		}
		t.Headers = headers
		out[i] = t
	}
	return out
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

package reflect

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"reflectify/internal/llmclient"
	"reflectify/internal/prompt"
)

const reviewerID = "reviewer"

type revEnvelope struct {
	ctx context.Context
	req *ReviewRequest
}

// reviewer evaluates candidates against the fixed rubric. On approval it
// emits the candidate to the output stream before acknowledging the
// verdict, so stream consumers see the payload no later than the turn's
// resolution. The verdict is always sent back to drive the generator.
type reviewer struct {
	e    *Engine
	mail *mailbox[revEnvelope]
}

func (r *reviewer) loop(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		env, ok := r.mail.get()
		if !ok {
			return
		}
		r.handleReview(env.ctx, env.req)
	}
}

func (r *reviewer) handleReview(ctx context.Context, req *ReviewRequest) {
	entry := r.e.lookup(req.RequestID)
	if entry == nil {
		log.Printf("[reviewer] request %s no longer pending, dropping", shortID(req.RequestID))
		return
	}
	if entry.ctx.Err() != nil {
		r.e.resolve(req.RequestID, TurnResult{Outcome: OutcomeFailed, Err: entry.ctx.Err()})
		return
	}
	log.Printf("[reviewer] evaluating candidate for %s", shortID(req.RequestID))

	msgs, err := prompt.BuildReview(req.UserPrompt, req.History, req.Candidate)
	if err != nil {
		r.e.fail(req.RequestID, &TransientError{Stage: "review", Err: err})
		return
	}

	raw, err := r.e.provider.CompleteJSON(ctx, llmclient.Request{Messages: msgs})
	if err != nil {
		r.e.fail(req.RequestID, &TransientError{Stage: "review", Err: err})
		return
	}

	verdict, err := decodeVerdict(raw)
	if err != nil {
		r.e.fail(req.RequestID, &TransientError{Stage: "review", Err: err})
		return
	}
	log.Printf("[reviewer] decision for %s: approved=%t", shortID(req.RequestID), verdict.Approved)

	if verdict.Approved {
		emit(ctx, Event{Type: EventFinal, RequestID: req.RequestID, AgentID: reviewerID, Content: req.Candidate.Text})
	}

	r.e.gen.mail.put(genEnvelope{ctx: ctx, verdict: &ReviewResponse{
		RequestID: req.RequestID,
		Approved:  verdict.Approved,
		Feedback:  verdict.Feedback,
	}})
}

// decodeVerdict parses the structured review output. A missing "approved"
// field is a decode failure, not a silent reject.
func decodeVerdict(raw json.RawMessage) (ReviewResponse, error) {
	var v struct {
		Approved *bool  `json:"approved"`
		Feedback string `json:"feedback"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ReviewResponse{}, fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}
	if v.Approved == nil {
		return ReviewResponse{}, fmt.Errorf("%w: missing approved field", ErrInvalidVerdict)
	}
	return ReviewResponse{Approved: *v.Approved, Feedback: v.Feedback}, nil
}

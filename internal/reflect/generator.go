package reflect

import (
	"context"
	"fmt"
	"log"
	"sync"

	"reflectify/internal/chat"
	"reflectify/internal/llmclient"
	"reflectify/internal/prompt"
)

const generatorID = "generator"

// genEnvelope is the generator's mailbox message: either a new turn or a
// verdict for a pending one. Exactly one field is set.
type genEnvelope struct {
	ctx     context.Context
	req     *GenerationRequest
	verdict *ReviewResponse
}

// generator produces candidate replies. It owns the per-request working
// buffers (via the engine's pending table) and regenerates on rejection.
// The loop handles one envelope at a time; envelopes for a single request
// id alternate strictly with the reviewer's.
type generator struct {
	e    *Engine
	mail *mailbox[genEnvelope]
}

func (g *generator) loop(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		env, ok := g.mail.get()
		if !ok {
			return
		}
		switch {
		case env.req != nil:
			g.handleRequest(env.ctx, env.req)
		case env.verdict != nil:
			if err := g.handleVerdict(env.ctx, env.verdict); err != nil {
				// Unknown request id means the engine state is corrupt.
				// There is no turn left to fail, so shout.
				log.Printf("[generator] INVARIANT VIOLATION: %v", err)
			}
		}
	}
}

// handleRequest runs the first generation round of a turn: it builds the
// working buffer (preamble + history snapshot + prompt), produces a
// candidate, and submits it for review.
func (g *generator) handleRequest(ctx context.Context, req *GenerationRequest) {
	entry := g.e.lookup(req.RequestID)
	if entry == nil {
		// Turn resolved before the first round started.
		log.Printf("[generator] request %s no longer pending, dropping", shortID(req.RequestID))
		return
	}
	if entry.ctx.Err() != nil {
		g.e.resolve(req.RequestID, TurnResult{Outcome: OutcomeFailed, Err: entry.ctx.Err()})
		return
	}
	log.Printf("[generator] processing request %s (%d history messages)", shortID(req.RequestID), len(req.History))

	buffer := make([]chat.Message, 0, len(req.History)+2)
	buffer = append(buffer, prompt.Preamble())
	buffer = append(buffer, req.History...)
	buffer = append(buffer, chat.User(req.UserPrompt))

	candidate, err := g.complete(ctx, req, buffer)
	if err != nil {
		g.e.fail(req.RequestID, &TransientError{Stage: "generation", Err: err})
		return
	}
	buffer = append(buffer, candidate)

	if g.e.lookup(req.RequestID) == nil {
		// Turn resolved while the provider call was in flight.
		return
	}

	g.e.mu.Lock()
	entry.buffer = buffer
	entry.candidate = candidate
	g.e.mu.Unlock()

	emit(ctx, Event{Type: EventInfo, RequestID: req.RequestID, AgentID: generatorID, Content: "candidate generated, sending for review"})
	g.e.rev.mail.put(revEnvelope{ctx: ctx, req: &ReviewRequest{
		RequestID:  req.RequestID,
		UserPrompt: req.UserPrompt,
		History:    req.History,
		Candidate:  candidate,
	}})
}

// handleVerdict applies a review verdict: terminal on approval or at the
// refinement cap, otherwise one more generation round with the feedback
// folded into the working buffer.
func (g *generator) handleVerdict(ctx context.Context, verdict *ReviewResponse) error {
	entry := g.e.lookup(verdict.RequestID)
	if entry == nil {
		if g.e.closing() {
			// Close already failed the turn; the verdict is stale mail.
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownRequest, verdict.RequestID)
	}
	if entry.ctx.Err() != nil {
		// Caller gave up while the review was in flight. Normal
		// cancellation, not corruption.
		g.e.resolve(verdict.RequestID, TurnResult{Outcome: OutcomeFailed, Err: entry.ctx.Err()})
		return nil
	}
	log.Printf("[generator] verdict for %s: approved=%t", shortID(verdict.RequestID), verdict.Approved)

	g.e.mu.Lock()
	entry.verdicts = append(entry.verdicts, *verdict)
	refinements := entry.refinements
	candidate := entry.candidate
	g.e.mu.Unlock()

	if verdict.Approved {
		g.e.resolve(verdict.RequestID, TurnResult{Outcome: OutcomeApproved, Text: candidate.Text})
		return nil
	}

	if refinements >= g.e.maxRefinements {
		// Refinement cap reached with a rejecting verdict. The turn still
		// must deliver output: emit the last candidate and terminate.
		log.Printf("[generator] max refinements (%d) reached for %s, force approving", g.e.maxRefinements, shortID(verdict.RequestID))
		emit(ctx, Event{Type: EventFinal, RequestID: verdict.RequestID, AgentID: generatorID, Content: candidate.Text})
		g.e.resolve(verdict.RequestID, TurnResult{Outcome: OutcomeForcedApproved, Text: candidate.Text})
		return nil
	}

	g.e.mu.Lock()
	entry.refinements++
	buffer := entry.buffer
	g.e.mu.Unlock()

	emit(ctx, Event{Type: EventInfo, RequestID: verdict.RequestID, AgentID: generatorID,
		Content: fmt.Sprintf("revising candidate (attempt %d/%d)", refinements+1, g.e.maxRefinements)})

	buffer = append(buffer, prompt.FeedbackDirective(verdict.Feedback))
	buffer = append(buffer, chat.User(entry.req.UserPrompt))

	candidate, err := g.complete(ctx, &entry.req, buffer)
	if err != nil {
		g.e.fail(verdict.RequestID, &TransientError{Stage: "generation", Err: err})
		return nil
	}
	buffer = append(buffer, candidate)

	if g.e.lookup(verdict.RequestID) == nil {
		return nil
	}

	g.e.mu.Lock()
	entry.buffer = buffer
	entry.candidate = candidate
	g.e.mu.Unlock()

	g.e.rev.mail.put(revEnvelope{ctx: ctx, req: &ReviewRequest{
		RequestID:  verdict.RequestID,
		UserPrompt: entry.req.UserPrompt,
		History:    entry.req.History,
		Candidate:  candidate,
	}})
	return nil
}

func (g *generator) complete(ctx context.Context, req *GenerationRequest, buffer []chat.Message) (chat.Message, error) {
	return g.e.provider.Complete(ctx, llmclient.Request{
		Messages: buffer,
		Tools:    g.e.toolsFor(req.AccessToken),
	})
}

package reflect

import "context"

type EventType string

const (
	EventInfo         EventType = "info"
	EventToken        EventType = "token"
	EventMessage      EventType = "message"
	EventToolCall     EventType = "tool_call"
	EventToolResult   EventType = "tool_result"
	EventFinal        EventType = "final"
	EventOrchestrator EventType = "orchestrator"
	EventError        EventType = "error"
	EventDone         EventType = "done"
)

// Event is one frame on the output stream of a turn.
type Event struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	// Kind further qualifies orchestrator frames ("plan", "result").
	Kind    string `json:"kind,omitempty"`
	Content string `json:"content,omitempty"`
}

// Sink consumes stream events. Delivery is fire-and-forget: a slow or
// disconnected consumer must not block the workflow.
type Sink interface {
	Emit(event Event)
}

type sinkKey struct{}

func WithSink(ctx context.Context, sink Sink) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sinkKey{}, sink)
}

func SinkFrom(ctx context.Context) Sink {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(sinkKey{}).(Sink); ok {
		return v
	}
	return nil
}

// emit sends an event through the context-bound sink, if any.
// Returns true when a sink is present and the event is emitted.
func emit(ctx context.Context, event Event) bool {
	sink := SinkFrom(ctx)
	if sink == nil {
		return false
	}
	sink.Emit(event)
	return true
}

package reflect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"reflectify/internal/chat"
	"reflectify/internal/llmclient"
)

// fakeClient scripts provider behavior per call. Complete answers
// generation calls, CompleteJSON answers review calls.
type fakeClient struct {
	mu            sync.Mutex
	completeCalls int
	jsonCalls     int
	completeFn    func(n int, req llmclient.Request) (chat.Message, error)
	jsonFn        func(n int, req llmclient.Request) (json.RawMessage, error)

	// lastComplete keeps the message buffers seen by generation calls.
	lastComplete []llmclient.Request
}

func (f *fakeClient) Name() string { return "fake" }
func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) Complete(_ context.Context, req llmclient.Request) (chat.Message, error) {
	f.mu.Lock()
	f.completeCalls++
	n := f.completeCalls
	f.lastComplete = append(f.lastComplete, req)
	fn := f.completeFn
	f.mu.Unlock()
	if fn == nil {
		return chat.Assistant(fmt.Sprintf("candidate %d", n)), nil
	}
	return fn(n, req)
}

func (f *fakeClient) CompleteJSON(_ context.Context, req llmclient.Request) (json.RawMessage, error) {
	f.mu.Lock()
	f.jsonCalls++
	n := f.jsonCalls
	fn := f.jsonFn
	f.mu.Unlock()
	if fn == nil {
		return json.RawMessage(`{"approved": true, "feedback": "ok"}`), nil
	}
	return fn(n, req)
}

func (f *fakeClient) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completeCalls, f.jsonCalls
}

// recordSink collects stream events across actor goroutines.
type recordSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordSink) Emit(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordSink) byType(t EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func verdictScript(verdicts ...string) func(n int, req llmclient.Request) (json.RawMessage, error) {
	return func(n int, _ llmclient.Request) (json.RawMessage, error) {
		idx := n - 1
		if idx >= len(verdicts) {
			idx = len(verdicts) - 1
		}
		return json.RawMessage(verdicts[idx]), nil
	}
}

func TestEngine_FirstApproval(t *testing.T) {
	fake := &fakeClient{}
	e := NewEngine(fake, Options{MaxRefinements: 3})
	defer e.Close()

	sink := &recordSink{}
	ctx := WithSink(context.Background(), sink)

	res, err := e.RunTurn(ctx, TurnRequest{SessionID: "s1", Prompt: "hello"})
	if err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if res.Outcome != OutcomeApproved {
		t.Fatalf("outcome = %s, want approved", res.Outcome)
	}
	if res.Text != "candidate 1" {
		t.Fatalf("text = %q", res.Text)
	}
	if res.Rounds != 1 {
		t.Fatalf("rounds = %d, want 1", res.Rounds)
	}
	gen, rev := fake.calls()
	if gen != 1 || rev != 1 {
		t.Fatalf("calls = %d generation, %d review; want 1/1", gen, rev)
	}
	finals := sink.byType(EventFinal)
	if len(finals) != 1 || finals[0].Content != "candidate 1" {
		t.Fatalf("final events = %+v, want one with candidate 1", finals)
	}
}

func TestEngine_RejectThenApprove(t *testing.T) {
	fake := &fakeClient{
		jsonFn: verdictScript(
			`{"approved": false, "feedback": "needs more detail"}`,
			`{"approved": true, "feedback": "ok"}`,
		),
	}
	e := NewEngine(fake, Options{MaxRefinements: 1})
	defer e.Close()

	res, err := e.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Prompt: "hello"})
	if err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if res.Outcome != OutcomeApproved {
		t.Fatalf("outcome = %s, want approved", res.Outcome)
	}
	if res.Text != "candidate 2" {
		t.Fatalf("text = %q, want the round-2 candidate", res.Text)
	}
	if res.Rounds != 2 {
		t.Fatalf("rounds = %d, want 2", res.Rounds)
	}
	gen, rev := fake.calls()
	if gen != 2 || rev != 2 {
		t.Fatalf("calls = %d generation, %d review; want 2/2", gen, rev)
	}

	// The retry buffer must carry the feedback directive and the restated
	// prompt on top of the first round's context.
	fake.mu.Lock()
	retry := fake.lastComplete[1].Messages
	fake.mu.Unlock()
	var sawFeedback, sawRestated bool
	for _, m := range retry {
		if m.Role == chat.RoleSystem && strings.Contains(m.Text, "REVIEWER FEEDBACK: needs more detail") {
			sawFeedback = true
		}
		if m.Role == chat.RoleUser && m.Text == "hello" {
			sawRestated = true
		}
	}
	if !sawFeedback || !sawRestated {
		t.Fatalf("retry buffer missing feedback directive (%t) or restated prompt (%t)", sawFeedback, sawRestated)
	}
}

func TestEngine_ForcedApprovalEmitsFinal(t *testing.T) {
	fake := &fakeClient{
		jsonFn: verdictScript(`{"approved": false, "feedback": "not good enough"}`),
	}
	e := NewEngine(fake, Options{MaxRefinements: 0})
	defer e.Close()

	sink := &recordSink{}
	ctx := WithSink(context.Background(), sink)

	res, err := e.RunTurn(ctx, TurnRequest{SessionID: "s1", Prompt: "hello"})
	if err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if res.Outcome != OutcomeForcedApproved {
		t.Fatalf("outcome = %s, want forced_approved", res.Outcome)
	}
	if res.Text == "" {
		t.Fatal("forced approval must still deliver output")
	}
	if res.Text != "candidate 1" {
		t.Fatalf("text = %q, want the sole candidate", res.Text)
	}
	gen, rev := fake.calls()
	if gen != 1 || rev != 1 {
		t.Fatalf("calls = %d generation, %d review; want 1/1", gen, rev)
	}
	finals := sink.byType(EventFinal)
	if len(finals) != 1 || finals[0].Content != "candidate 1" {
		t.Fatalf("final events = %+v, want the capped candidate emitted", finals)
	}
}

func TestEngine_RefinementCap(t *testing.T) {
	fake := &fakeClient{
		jsonFn: verdictScript(`{"approved": false, "feedback": "reject"}`),
	}
	e := NewEngine(fake, Options{MaxRefinements: 2})
	defer e.Close()

	res, err := e.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Prompt: "hello"})
	if err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if res.Outcome != OutcomeForcedApproved {
		t.Fatalf("outcome = %s, want forced_approved", res.Outcome)
	}
	gen, rev := fake.calls()
	if gen != 3 || rev != 3 {
		t.Fatalf("calls = %d generation, %d review; want 3/3 at cap 2", gen, rev)
	}
	if res.Text != "candidate 3" {
		t.Fatalf("text = %q, want the last candidate", res.Text)
	}
}

func TestEngine_GenerationFailure(t *testing.T) {
	boom := errors.New("provider down")
	fake := &fakeClient{
		completeFn: func(int, llmclient.Request) (chat.Message, error) {
			return chat.Message{}, boom
		},
	}
	e := NewEngine(fake, Options{MaxRefinements: 3})
	defer e.Close()

	sink := &recordSink{}
	ctx := WithSink(context.Background(), sink)

	res, err := e.RunTurn(ctx, TurnRequest{SessionID: "s1", Prompt: "hello"})
	if err == nil {
		t.Fatal("expected error")
	}
	var transient *TransientError
	if !errors.As(err, &transient) || transient.Stage != "generation" {
		t.Fatalf("err = %v, want transient generation failure", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped provider error", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if len(sink.byType(EventError)) != 1 {
		t.Fatal("expected one error event on the stream")
	}
	if len(sink.byType(EventFinal)) != 0 {
		t.Fatal("failed turn must not emit a final payload")
	}
}

func TestEngine_MalformedVerdict(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"garbage", `not json at all`},
		{"missing approved", `{"feedback": "looks fine"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeClient{
				jsonFn: func(int, llmclient.Request) (json.RawMessage, error) {
					return json.RawMessage(tc.raw), nil
				},
			}
			e := NewEngine(fake, Options{MaxRefinements: 3})
			defer e.Close()

			_, err := e.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Prompt: "hello"})
			if !errors.Is(err, ErrInvalidVerdict) {
				t.Fatalf("err = %v, want ErrInvalidVerdict", err)
			}
			var transient *TransientError
			if !errors.As(err, &transient) || transient.Stage != "review" {
				t.Fatalf("err = %v, want transient review failure", err)
			}
		})
	}
}

func TestEngine_FinalPrecedesDone(t *testing.T) {
	fake := &fakeClient{}
	e := NewEngine(fake, Options{MaxRefinements: 3})
	defer e.Close()

	sink := &recordSink{}
	ctx := WithSink(context.Background(), sink)
	if _, err := e.RunTurn(ctx, TurnRequest{SessionID: "s1", Prompt: "hello"}); err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	finalIdx, doneIdx := -1, -1
	for i, ev := range sink.events {
		switch ev.Type {
		case EventFinal:
			finalIdx = i
		case EventDone:
			doneIdx = i
		}
	}
	if finalIdx == -1 || doneIdx == -1 || finalIdx > doneIdx {
		t.Fatalf("final (%d) must precede done (%d)", finalIdx, doneIdx)
	}
}

func TestEngine_ConcurrentTurnsIsolated(t *testing.T) {
	// Candidates echo the prompt so cross-contamination is observable.
	echo := func(_ int, req llmclient.Request) (chat.Message, error) {
		var prompt string
		for _, m := range req.Messages {
			if m.Role == chat.RoleUser {
				prompt = m.Text
			}
		}
		return chat.Assistant("reply to " + prompt), nil
	}

	run := func(concurrent bool) map[string]string {
		fake := &fakeClient{completeFn: echo}
		e := NewEngine(fake, Options{MaxRefinements: 1})
		defer e.Close()

		prompts := []string{"alpha question", "beta question"}
		out := make(map[string]string, len(prompts))
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, p := range prompts {
			if concurrent {
				wg.Add(1)
				go func(p string) {
					defer wg.Done()
					res, err := e.RunTurn(context.Background(), TurnRequest{SessionID: p, Prompt: p})
					if err != nil {
						t.Errorf("RunTurn(%q): %v", p, err)
						return
					}
					mu.Lock()
					out[p] = res.Text
					mu.Unlock()
				}(p)
			} else {
				res, err := e.RunTurn(context.Background(), TurnRequest{SessionID: p, Prompt: p})
				if err != nil {
					t.Fatalf("RunTurn(%q): %v", p, err)
				}
				out[p] = res.Text
			}
		}
		wg.Wait()
		return out
	}

	sequential := run(false)
	concurrent := run(true)
	for p, want := range sequential {
		if got := concurrent[p]; got != want {
			t.Fatalf("prompt %q: concurrent %q != sequential %q", p, got, want)
		}
		if !strings.Contains(want, p) {
			t.Fatalf("prompt %q answered with %q", p, want)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestEngine_ManyConcurrentTurnsResolve(t *testing.T) {
	fake := &fakeClient{}
	e := NewEngine(fake, Options{MaxRefinements: 1})
	defer e.Close()

	const turns = 300
	errCh := make(chan error, turns)
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.RunTurn(context.Background(), TurnRequest{
				SessionID: fmt.Sprintf("s%d", i),
				Prompt:    fmt.Sprintf("question %d", i),
			})
			errCh <- err
		}(i)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(20 * time.Second):
		t.Fatal("turns did not resolve")
	}
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("turn failed: %v", err)
		}
	}
	gen, rev := fake.calls()
	if gen != turns || rev != turns {
		t.Fatalf("calls = %d/%d, want %d/%d", gen, rev, turns, turns)
	}
}

func TestEngine_CloseFailsInFlightTurns(t *testing.T) {
	release := make(chan struct{})
	fake := &fakeClient{
		completeFn: func(int, llmclient.Request) (chat.Message, error) {
			<-release
			return chat.Assistant("late"), nil
		},
	}
	e := NewEngine(fake, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := e.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Prompt: "hello"})
		errCh <- err
	}()
	waitFor(t, func() bool {
		gen, _ := fake.calls()
		return gen == 1
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	e.Close()

	if err := <-errCh; !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("err = %v, want ErrEngineClosed", err)
	}
}

func TestEngine_CancelledTurnReapedQuietly(t *testing.T) {
	var logBuf bytes.Buffer
	log.SetOutput(&logBuf)
	defer log.SetOutput(os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake := &fakeClient{
		jsonFn: func(int, llmclient.Request) (json.RawMessage, error) {
			cancel()
			return json.RawMessage(`{"approved": true, "feedback": "ok"}`), nil
		},
	}
	e := NewEngine(fake, Options{MaxRefinements: 1})
	defer e.Close()

	res, err := e.RunTurn(ctx, TurnRequest{SessionID: "s1", Prompt: "hello"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// The late verdict must reap the abandoned entry without tripping the
	// unknown-request invariant.
	waitFor(t, func() bool { return e.lookup(res.RequestID) == nil })
	if strings.Contains(logBuf.String(), "INVARIANT VIOLATION") {
		t.Fatalf("cancellation logged as invariant violation:\n%s", logBuf.String())
	}
}

func TestGenerator_UnknownVerdictIsInvariantViolation(t *testing.T) {
	fake := &fakeClient{}
	e := NewEngine(fake, Options{MaxRefinements: 3})
	defer e.Close()

	err := e.gen.handleVerdict(context.Background(), &ReviewResponse{RequestID: "no-such-request", Approved: true})
	if !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("err = %v, want ErrUnknownRequest", err)
	}
}

func TestEngine_RunTurnAfterClose(t *testing.T) {
	fake := &fakeClient{}
	e := NewEngine(fake, Options{})
	e.Close()

	_, err := e.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Prompt: "hello"})
	if !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("err = %v, want ErrEngineClosed", err)
	}
}

func TestEngine_EmptyPromptFails(t *testing.T) {
	fake := &fakeClient{}
	e := NewEngine(fake, Options{})
	defer e.Close()

	_, err := e.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Prompt: "   "})
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("err = %v, want transient failure", err)
	}
	gen, rev := fake.calls()
	if gen != 0 || rev != 0 {
		t.Fatalf("calls = %d/%d, want none", gen, rev)
	}
}

func TestDecodeVerdict(t *testing.T) {
	v, err := decodeVerdict(json.RawMessage(`{"approved": false, "feedback": "too terse"}`))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if v.Approved || v.Feedback != "too terse" {
		t.Fatalf("verdict = %+v", v)
	}
	if _, err := decodeVerdict(json.RawMessage(`{"feedback": "x"}`)); !errors.Is(err, ErrInvalidVerdict) {
		t.Fatalf("missing approved: err = %v", err)
	}
	if _, err := decodeVerdict(json.RawMessage(`[1,2]`)); !errors.Is(err, ErrInvalidVerdict) {
		t.Fatalf("wrong shape: err = %v", err)
	}
}

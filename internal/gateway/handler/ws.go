package handler

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"reflectify/internal/reflect"
)

const (
	chatWSWriteWait = 10 * time.Second
	chatWSPongWait  = 60 * time.Second
	chatWSPingEvery = (chatWSPongWait * 9) / 10

	promptQueueSize = 8
)

var chatWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type chatWSInbound struct {
	SessionID   string `json:"session_id"`
	Prompt      string `json:"prompt"`
	AccessToken string `json:"access_token,omitempty"`
}

type chatWSOutbound struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Content string `json:"content,omitempty"`
}

// HandleChatWS upgrades to a websocket streaming channel: inbound
// {session_id, prompt, access_token?} frames, outbound frames tagged
// info/token/message/final_result/orchestrator/error/done. Prompts on one
// connection run one at a time in arrival order; reads stay alive so
// ping/pong keeps the connection up during a long turn.
func (h *Handler) HandleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := chatWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(chatWSPongWait)); err != nil {
		log.Printf("[handler] chat ws set read deadline failed: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(chatWSPongWait))
	})

	writeCh := make(chan chatWSOutbound, 32)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(chatWSPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case out := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(chatWSWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(chatWSWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	promptCh := make(chan chatWSInbound, promptQueueSize)
	turnsDone := make(chan struct{})
	go func() {
		defer close(turnsDone)
		for {
			select {
			case <-ctx.Done():
				return
			case in, ok := <-promptCh:
				if !ok {
					return
				}
				h.runStreamingTurn(ctx, writeCh, in)
			}
		}
	}()

	for {
		var in chatWSInbound
		if err := conn.ReadJSON(&in); err != nil {
			cancel()
			<-writerDone
			<-turnsDone
			return
		}
		in.SessionID = strings.TrimSpace(in.SessionID)
		in.Prompt = strings.TrimSpace(in.Prompt)
		if in.SessionID == "" || in.Prompt == "" {
			pushChatWS(writeCh, chatWSOutbound{Type: "error", Content: "session_id and prompt are required"})
			continue
		}
		select {
		case promptCh <- in:
		default:
			pushChatWS(writeCh, chatWSOutbound{Type: "error", Content: "too many queued prompts"})
		}
	}
}

// runStreamingTurn drives one prompt through the workflow with the stream
// sink bound, bracketing it with the orchestrator plan/result frames.
func (h *Handler) runStreamingTurn(ctx context.Context, writeCh chan chatWSOutbound, in chatWSInbound) {
	pushChatWS(writeCh, chatWSOutbound{
		Type: "orchestrator",
		Kind: "plan",
		Content: "Reflection workflow starting\n\n" +
			"Routing the response through generator and reviewer for a quality-assured reply...",
	})

	sess, err := h.sessions.Session(ctx, in.SessionID)
	if err != nil {
		pushChatWS(writeCh, chatWSOutbound{Type: "error", Content: err.Error()})
		return
	}

	turnCtx := reflect.WithSink(ctx, &wsSink{writeCh: writeCh})
	if _, err := sess.RunTurn(turnCtx, in.Prompt, in.AccessToken); err != nil {
		// The engine already emitted an error frame through the sink.
		log.Printf("[handler] streaming turn failed (session=%s): %v", in.SessionID, err)
		return
	}

	pushChatWS(writeCh, chatWSOutbound{
		Type:    "orchestrator",
		Kind:    "result",
		Content: "Workflow complete\n\nQuality-assured response delivered.",
	})
	pushChatWS(writeCh, chatWSOutbound{Type: "done"})
}

// wsSink bridges engine stream events onto the websocket writer channel.
type wsSink struct {
	writeCh chan chatWSOutbound
}

func (s *wsSink) Emit(ev reflect.Event) {
	out := chatWSOutbound{AgentID: ev.AgentID, Kind: ev.Kind, Content: ev.Content}
	switch ev.Type {
	case reflect.EventFinal:
		out.Type = "final_result"
	case reflect.EventDone:
		// The connection-level done frame is sent after the orchestrator
		// result; drop the engine's.
		return
	default:
		out.Type = string(ev.Type)
	}
	pushChatWS(s.writeCh, out)
}

// pushChatWS enqueues a frame without ever blocking the workflow; frames to
// a slow consumer are dropped.
func pushChatWS(writeCh chan chatWSOutbound, out chatWSOutbound) {
	select {
	case writeCh <- out:
	default:
		log.Printf("[handler] chat ws write queue full, dropping %s frame", out.Type)
	}
}

package chat

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Part is an opaque content part attached to a message. The workflow never
// inspects Data; it is carried for consumers that do (tool results, media).
type Part struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is a single chat turn. Treat as immutable once constructed.
type Message struct {
	Role  Role   `json:"role"`
	Text  string `json:"text"`
	Parts []Part `json:"parts,omitempty"`
}

func System(text string) Message {
	return Message{Role: RoleSystem, Text: text}
}

func User(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

func Assistant(text string) Message {
	return Message{Role: RoleAssistant, Text: text}
}

// History is an ordered conversation transcript. The owning session appends
// to it only after a turn reaches a terminal state.
type History []Message

// Clone returns an independent copy so a running turn cannot observe
// appends made after its snapshot was taken.
func (h History) Clone() History {
	if len(h) == 0 {
		return nil
	}
	out := make(History, len(h))
	copy(out, h)
	return out
}

// Append returns a new history with msgs added. The receiver is unchanged.
func (h History) Append(msgs ...Message) History {
	out := make(History, 0, len(h)+len(msgs))
	out = append(out, h...)
	out = append(out, msgs...)
	return out
}

// LastText returns the text of the last message, or "".
func (h History) LastText() string {
	if len(h) == 0 {
		return ""
	}
	return strings.TrimSpace(h[len(h)-1].Text)
}

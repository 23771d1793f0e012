package prompt

import (
	"bytes"
	"fmt"
	"strings"

	"reflectify/internal/chat"
)

// ReviewField describes one field of the structured verdict the reviewer
// must return.
type ReviewField struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

var verdictFields = []ReviewField{
	{Name: "approved", Type: "bool", Required: true, Description: "true if the response meets quality standards (be reasonable), false only for major issues."},
	{Name: "feedback", Type: "string", Required: true, Description: "Constructive feedback when not approved, or a brief approval note."},
}

var rubricItems = []string{
	"Accuracy of information.",
	"Completeness of answer.",
	"Professional tone.",
	"Proper use of available tools.",
	"Clarity and helpfulness.",
}

// BuildReview renders the reviewer's message sequence: the rubric system
// prompt, the conversation history, the user's question, the candidate, and
// an explicit review instruction.
func BuildReview(userPrompt string, history chat.History, candidate chat.Message) ([]chat.Message, error) {
	if strings.TrimSpace(userPrompt) == "" {
		return nil, fmt.Errorf("prompt: user prompt is empty")
	}
	if strings.TrimSpace(candidate.Text) == "" {
		return nil, fmt.Errorf("prompt: candidate is empty")
	}

	var buf bytes.Buffer
	writeSection(&buf, "PURPOSE", "You are a quality assurance reviewer for assistant responses. Decide whether the candidate response below may be surfaced to the user.")
	writeSection(&buf, "RUBRIC", formatList(rubricItems))
	writeSection(&buf, "RULES", formatList([]string{
		"Be reasonable: if the response is professional, addresses the question, and provides useful information, APPROVE it.",
		"Reject only for significant issues.",
		"Always include feedback, even when approving.",
	}))
	writeSection(&buf, "OUTPUT", formatFields(verdictFields))
	writeSection(&buf, "OUTPUT_FORMAT", "JSON only.")

	msgs := make([]chat.Message, 0, len(history)+4)
	msgs = append(msgs, chat.System(strings.TrimSpace(buf.String())))
	msgs = append(msgs, history...)
	msgs = append(msgs, chat.User(userPrompt))
	msgs = append(msgs, candidate)
	msgs = append(msgs, chat.User("Please review the assistant's response above and provide your assessment."))
	return msgs, nil
}

func formatFields(fields []ReviewField) string {
	var buf strings.Builder
	for _, f := range fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			continue
		}
		req := "optional"
		if f.Required {
			req = "required"
		}
		if f.Description != "" {
			fmt.Fprintf(&buf, "- %s (%s, %s): %s\n", name, f.Type, req, f.Description)
		} else {
			fmt.Fprintf(&buf, "- %s (%s, %s)\n", name, f.Type, req)
		}
	}
	return strings.TrimRight(buf.String(), "\n")
}

func formatList(items []string) string {
	var buf strings.Builder
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		fmt.Fprintf(&buf, "- %s\n", item)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func writeSection(buf *bytes.Buffer, title, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	buf.WriteString("[")
	buf.WriteString(title)
	buf.WriteString("]\n")
	buf.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
}

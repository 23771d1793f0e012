// Package prompt assembles the fixed prompts used by the reflection
// workflow: the generator preamble, the feedback directive appended on a
// rejected round, and the reviewer rubric.
package prompt

import (
	"fmt"
	"strings"

	"reflectify/internal/chat"
)

const generatorPreamble = "You are a helpful customer support assistant. " +
	"You can help with billing, promotions, security, account information, and other customer inquiries. " +
	"Use the available tools to look up customer information when an ID or account is mentioned. " +
	"Always be helpful, professional, and provide detailed information when available."

// Preamble returns the generator's fixed system message.
func Preamble() chat.Message {
	return chat.System(generatorPreamble)
}

// FeedbackDirective wraps reviewer feedback as a system message that steers
// the next generation round.
func FeedbackDirective(feedback string) chat.Message {
	return chat.System(fmt.Sprintf(
		"REVIEWER FEEDBACK: %s\n\nPlease improve your response based on this feedback.",
		strings.TrimSpace(feedback),
	))
}

package reflect

import "reflectify/internal/chat"

// GenerationRequest starts a turn on the generator.
type GenerationRequest struct {
	RequestID   string
	UserPrompt  string
	History     chat.History
	AccessToken string
}

// ReviewRequest carries a candidate from the generator to the reviewer.
type ReviewRequest struct {
	RequestID  string
	UserPrompt string
	History    chat.History
	Candidate  chat.Message
}

// ReviewResponse carries the verdict from the reviewer back to the
// generator. Feedback is present even on approval (audit note).
type ReviewResponse struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Feedback  string `json:"feedback,omitempty"`
}

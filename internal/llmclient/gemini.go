package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	genai "google.golang.org/genai"

	"reflectify/internal/chat"
)

const defaultCallTimeout = 60 * time.Second

// GeminiClient is a thin wrapper around the official genai client.
// It owns the per-call timeout; cross-cutting concerns (retries, logging)
// belong to the caller.
type GeminiClient struct {
	cli     *genai.Client
	model   string
	timeout time.Duration
}

func NewGeminiClient(ctx context.Context, apiKey, model string, timeout time.Duration) (*GeminiClient, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("llmclient: model is required")
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(apiKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &GeminiClient{cli: cli, model: model, timeout: timeout}, nil
}

func (g *GeminiClient) Name() string { return "Gemini:" + g.model }
func (g *GeminiClient) Close() error { return nil }

func (g *GeminiClient) Complete(ctx context.Context, req Request) (chat.Message, error) {
	resp, err := g.generate(ctx, req, nil)
	if err != nil {
		return chat.Message{}, err
	}
	return chat.Assistant(resp), nil
}

func (g *GeminiClient) CompleteJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	cfg := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	resp, err := g.generate(ctx, req, cfg)
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(resp)) {
		return nil, ErrInvalidJSON
	}
	return json.RawMessage(resp), nil
}

func (g *GeminiClient) generate(ctx context.Context, req Request, cfg *genai.GenerateContentConfig) (string, error) {
	if len(req.Messages) == 0 {
		return "", fmt.Errorf("llmclient: no messages")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = g.model
	}
	if cfg == nil {
		cfg = &genai.GenerateContentConfig{}
	}
	contents, system := toContents(req.Messages)
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.cli.Models.GenerateContent(callCtx, model, contents, cfg)
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

// toContents maps chat messages onto genai contents. System messages are
// folded into a single system instruction; the API accepts only user/model
// roles in the content list.
func toContents(msgs []chat.Message) ([]*genai.Content, string) {
	var system []string
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		text := m.Text
		if strings.TrimSpace(text) == "" {
			continue
		}
		switch m.Role {
		case chat.RoleSystem:
			system = append(system, text)
		case chat.RoleAssistant:
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}})
		default:
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: text}}})
		}
	}
	return contents, strings.Join(system, "\n\n")
}

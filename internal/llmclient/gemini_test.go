package llmclient

import (
	"context"
	"testing"

	"reflectify/internal/chat"
)

func TestNewGeminiClient_UsesExplicitKey(t *testing.T) {
	// Clear the env fallback so construction proves the passed key is used.
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	cli, err := NewGeminiClient(context.Background(), "test-key", "test-model", 0)
	if err != nil {
		t.Fatalf("NewGeminiClient error: %v", err)
	}
	defer cli.Close()
	if cli.Name() != "Gemini:test-model" {
		t.Fatalf("name = %q", cli.Name())
	}
}

func TestNewGeminiClient_RequiresModel(t *testing.T) {
	if _, err := NewGeminiClient(context.Background(), "test-key", "   ", 0); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestToContents_FoldsSystemMessages(t *testing.T) {
	msgs := []chat.Message{
		chat.System("preamble"),
		chat.User("question"),
		chat.Assistant("draft"),
		chat.System("feedback directive"),
		chat.User("question again"),
	}
	contents, system := toContents(msgs)
	if system != "preamble\n\nfeedback directive" {
		t.Fatalf("system = %q", system)
	}
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}
	if contents[0].Role != "user" || contents[1].Role != "model" || contents[2].Role != "user" {
		t.Fatalf("roles = %s/%s/%s", contents[0].Role, contents[1].Role, contents[2].Role)
	}
	if contents[1].Parts[0].Text != "draft" {
		t.Fatalf("assistant text = %q", contents[1].Parts[0].Text)
	}
}

func TestToContents_SkipsBlankMessages(t *testing.T) {
	contents, system := toContents([]chat.Message{
		chat.User("   "),
		chat.User("real"),
	})
	if system != "" {
		t.Fatalf("system = %q", system)
	}
	if len(contents) != 1 || contents[0].Parts[0].Text != "real" {
		t.Fatalf("contents = %+v", contents)
	}
}

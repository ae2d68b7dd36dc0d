package anthropic

import (
	"testing"

	"interviewer/pkg/llm"
)

func TestAlternateMergesAndPads(t *testing.T) {
	got := alternate([]llm.CompletionMessage{
		llm.NewAssistantMessage("Hi, I'm your interviewer."),
		llm.NewUserMessage("Hello"),
		llm.NewUserMessage("Ready when you are"),
		llm.NewAssistantMessage("Tell me about your last project."),
	})

	if len(got) != 5 {
		t.Fatalf("expected 5 messages, got %d: %+v", len(got), got)
	}
	if got[0].Role != llm.RoleUser || got[0].Content != openingPlaceholder {
		t.Errorf("expected opening placeholder, got %+v", got[0])
	}
	if got[2].Content != "Hello\n\nReady when you are" {
		t.Errorf("consecutive user turns not merged: %q", got[2].Content)
	}
	if got[4].Role != llm.RoleUser || got[4].Content != continuePlaceholder {
		t.Errorf("expected continue placeholder, got %+v", got[4])
	}
}

func TestAlternateEmptyConversation(t *testing.T) {
	got := alternate(nil)
	if len(got) != 1 || got[0].Role != llm.RoleUser {
		t.Fatalf("expected a single user placeholder, got %+v", got)
	}
}

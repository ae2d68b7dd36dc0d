package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"interviewer/pkg/proto"
)

func TestNewWriter(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "logs")

	writer, err := NewWriter(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	currentFile := writer.GetCurrentLogFile()
	if currentFile == "" {
		t.Fatal("No current log file set")
	}
	if _, err := os.Stat(currentFile); os.IsNotExist(err) {
		t.Error("Current log file does not exist")
	}
}

func TestTranscriptFiltersBySession(t *testing.T) {
	tmpDir := t.TempDir()
	writer, err := NewWriter(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}

	now := time.Now().UTC()
	turns := []proto.TurnRecord{
		{SessionID: "a", Speaker: proto.SpeakerAssistant, Text: "Welcome", Stage: proto.StageGreeting, Timestamp: now},
		{SessionID: "b", Speaker: proto.SpeakerAssistant, Text: "Hi there", Stage: proto.StageGreeting, Timestamp: now},
		{SessionID: "a", Speaker: proto.SpeakerUser, Text: "Thanks", Stage: proto.StageGreetingAcknowledged, Timestamp: now},
	}
	for _, turn := range turns {
		if err := writer.AppendTurn(turn); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}
	if err := writer.AppendTransition("a", proto.StageGreeting, proto.StageGreetingAcknowledged, "user_final"); err != nil {
		t.Fatalf("AppendTransition: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := Transcript(tmpDir, "a")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries for session a, got %d", len(entries))
	}
	if entries[1].Turn == nil || entries[1].Turn.Text != "Thanks" {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
	last := entries[2]
	if last.Type != EntryTransition || last.From != proto.StageGreeting || last.To != proto.StageGreetingAcknowledged {
		t.Errorf("unexpected transition entry: %+v", last)
	}
}

func TestReadEntriesRejectsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interviews-2026-01-01.jsonl")
	if err := os.WriteFile(path, []byte("{\"type\":\"turn\"}\nnot json\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadEntries(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestNilWriterIsNoop(t *testing.T) {
	var w *Writer
	if err := w.AppendTurn(proto.TurnRecord{}); err != nil {
		t.Errorf("nil writer returned %v", err)
	}
}

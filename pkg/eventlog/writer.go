// Package eventlog writes interview transcripts and stage changes to daily rotated JSONL files.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"interviewer/pkg/proto"
)

// Entry types.
const (
	EntryTurn       = "turn"
	EntryTransition = "transition"
)

// Entry is one line of the event log.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Turn      *proto.TurnRecord `json:"turn,omitempty"`
	SessionID string            `json:"session_id"`
	Type      string            `json:"type"`
	From      proto.Stage       `json:"from,omitempty"`
	To        proto.Stage       `json:"to,omitempty"`
	Cause     string            `json:"cause,omitempty"`
}

// Writer appends entries to the log file for the current day.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewWriter creates a new event log writer with daily rotation in the specified directory.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := &Writer{logDir: logDir}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}
	return w, nil
}

// AppendTurn logs a transcript turn, including turns that were never shown.
func (w *Writer) AppendTurn(t proto.TurnRecord) error {
	return w.write(&Entry{Timestamp: t.Timestamp, SessionID: t.SessionID, Type: EntryTurn, Turn: &t})
}

// AppendTransition logs a stage change.
func (w *Writer) AppendTransition(sessionID string, from, to proto.Stage, cause string) error {
	return w.write(&Entry{
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Type:      EntryTransition,
		From:      from,
		To:        to,
		Cause:     cause,
	})
}

func (w *Writer) write(e *Entry) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	newDate := time.Now().Format("2006-01-02")
	if w.currentFile == nil || w.currentDate != newDate {
		return w.rotate(newDate)
	}
	return nil
}

func (w *Writer) rotate(newDate string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
	}
	path := filepath.Join(w.logDir, fileName(newDate))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	w.currentFile = file
	w.currentDate = newDate
	return nil
}

func fileName(date string) string {
	return fmt.Sprintf("interviews-%s.jsonl", date)
}

// Close syncs and closes the current log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return nil
	}
	_ = w.currentFile.Sync()
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("failed to close event log file: %w", err)
	}
	return nil
}

// GetCurrentLogFile returns the path of the currently active log file.
func (w *Writer) GetCurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fileName(w.currentDate))
}

// ReadEntries parses every entry in a log file.
func ReadEntries(logFilePath string) ([]*Entry, error) {
	f, err := os.Open(logFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []*Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("failed to parse %s line %d: %w", logFilePath, line, err)
		}
		entries = append(entries, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", logFilePath, err)
	}
	return entries, nil
}

// ListLogFiles returns all event log files in the log directory, oldest first.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "interviews-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Transcript collects the entries of one session across every log file in logDir.
func Transcript(logDir, sessionID string) ([]*Entry, error) {
	files, err := ListLogFiles(logDir)
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, f := range files {
		entries, err := ReadEntries(f)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.SessionID == sessionID {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"interviewer/pkg/proto"
)

// Console commands.
const (
	CommandPaste = "/paste"
	CommandEnd   = "/end"
)

// CapReasonCandidateEnded is the cap-signal reason sent when the candidate ends the interview.
const CapReasonCandidateEnded = "candidate_ended"

// Console renders the interview as plain text lines and turns stdin lines into events.
type Console struct {
	out         io.Writer
	interactive bool
	mu          sync.Mutex
}

// NewConsole writes to out. Prompts are only printed when stdin is a terminal.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out, interactive: term.IsTerminal(int(os.Stdin.Fd()))}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// ShowTurn implements Output. The candidate's own lines are already on screen.
func (c *Console) ShowTurn(turn proto.TurnRecord) {
	if turn.Speaker != proto.SpeakerAssistant {
		return
	}
	label := "Interviewer"
	if turn.PasteID != "" {
		label = "Interviewer (about your paste)"
	}
	c.printf("\n%s: %s\n", label, turn.Text)
	if c.interactive {
		c.printf("> ")
	}
}

// ShowStage implements Output.
func (c *Console) ShowStage(stage proto.Stage) {
	c.printf("\n--- %s ---\n", strings.ReplaceAll(stage.String(), "_", " "))
}

// ShowNotice implements Output.
func (c *Console) ShowNotice(text string) {
	c.printf("\n[notice] %s\n", text)
}

// ParseLine converts one console line into an event. Blank lines yield nil.
func ParseLine(line string) (proto.Event, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil, nil //nolint:nilnil // blank input is not an event
	case line == CommandEnd:
		return proto.CapSignal{Reason: CapReasonCandidateEnded}, nil
	case strings.HasPrefix(line, CommandPaste+" "):
		path := strings.TrimSpace(strings.TrimPrefix(line, CommandPaste))
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read pasted file: %w", err)
		}
		return proto.PasteDetected{Content: string(content)}, nil
	default:
		return proto.UserFinal{Text: line}, nil
	}
}

// ReadEvents feeds lines from r to sink until r is exhausted or ctx is done. EOF ends the
// interview like /end.
func (c *Console) ReadEvents(ctx context.Context, r io.Reader, sink Sink) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ev, err := ParseLine(scanner.Text())
		if err != nil {
			c.ShowNotice(err.Error())
			continue
		}
		if ev != nil {
			sink(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read console input: %w", err)
	}
	sink(proto.CapSignal{Reason: CapReasonCandidateEnded})
	return nil
}

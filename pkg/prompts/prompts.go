// Package prompts renders every instruction the orchestrator sends to a model.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"interviewer/pkg/proto"
)

//go:embed templates/*.tpl.md
var templateFS embed.FS

// Name identifies a prompt template.
type Name string

const (
	// System is the main conversation system prompt.
	System             Name = "system.tpl.md"
	Greeting           Name = "greeting.tpl.md"
	BackgroundQuestion Name = "background_question.tpl.md"
	BackgroundFollowup Name = "background_followup.tpl.md"
	CodingIntro        Name = "coding_intro.tpl.md"
	CodingReply        Name = "coding_reply.tpl.md"
	Conclusion         Name = "conclusion.tpl.md"
	LeakCorrection     Name = "leak_correction.tpl.md"

	// ControlEvaluator and ControlRequest make up one CONTROL scoring call.
	ControlEvaluator Name = "control_evaluator.tpl.md"
	ControlRequest   Name = "control_request.tpl.md"

	// Paste sub-dialogue prompts; PasteSystem seeds the isolated context.
	PasteSystem           Name = "paste_system.tpl.md"
	PasteQuestion         Name = "paste_question.tpl.md"
	PasteScore            Name = "paste_score.tpl.md"
	PasteCapCorrection    Name = "paste_cap_correction.tpl.md"
	PasteMarkerCorrection Name = "paste_marker_correction.tpl.md"

	Accountability        Name = "accountability.tpl.md"
	AccountabilityRequest Name = "accountability_request.tpl.md"
)

// All lists every template; NewRenderer fails if any is missing or does not parse.
func All() []Name {
	return []Name{
		System, Greeting, BackgroundQuestion, BackgroundFollowup, CodingIntro, CodingReply,
		Conclusion, LeakCorrection, ControlEvaluator, ControlRequest, PasteSystem, PasteQuestion,
		PasteScore, PasteCapCorrection, PasteMarkerCorrection, Accountability, AccountabilityRequest,
	}
}

// Data is the union of fields the templates read.
type Data struct {
	Company            string
	Role               string
	CandidateName      string
	BackgroundQuestion string
	CodingChallenge    string
	Reason             string

	// CONTROL request.
	History      string
	LastQuestion string
	LastAnswer   string

	// Paste evaluation and accountability.
	PastedContent string
	Task          string
	Questions     string
	Answers       string
	AnswerCount   int
	MaxAnswers    int
	MinConfidence float64
}

// ForReason returns the instruction template that precedes a reply requested for reason.
func ForReason(reason proto.ReplyReason) (Name, bool) {
	switch reason {
	case proto.ReasonGreeting:
		return Greeting, true
	case proto.ReasonBackgroundQuestion:
		return BackgroundQuestion, true
	case proto.ReasonBackgroundFollowup:
		return BackgroundFollowup, true
	case proto.ReasonCodingIntro:
		return CodingIntro, true
	case proto.ReasonCodingReply:
		return CodingReply, true
	case proto.ReasonConclusion:
		return Conclusion, true
	case proto.ReasonPasteQuestion:
		return PasteQuestion, true
	case proto.ReasonPasteScore:
		return PasteScore, true
	default:
		return "", false
	}
}

// Renderer holds the parsed templates.
type Renderer struct {
	templates map[Name]*template.Template
}

// NewRenderer parses every embedded template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[Name]*template.Template)}
	for _, name := range All() {
		content, err := templateFS.ReadFile("templates/" + string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		tmpl, err := template.New(string(name)).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}
	return r, nil
}

// Render executes name with data and trims surrounding whitespace.
func (r *Renderer) Render(name Name, data *Data) (string, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("template %s not found", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

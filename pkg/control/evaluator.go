package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"interviewer/pkg/faults"
	"interviewer/pkg/llm"
	"interviewer/pkg/logx"
	"interviewer/pkg/metrics"
	"interviewer/pkg/prompts"
	"interviewer/pkg/proto"
	"interviewer/pkg/tokens"
)

// DefaultTimeout bounds one evaluation.
const DefaultTimeout = 5 * time.Second

// Request is the input of one evaluation. History is read-only context.
type Request struct {
	LastQuestion string
	LastAnswer   string
	History      []proto.TurnRecord
}

// Evaluator scores the latest answer.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (proto.Scores, error)
}

// Options configures an LLMEvaluator.
type Options struct {
	Company       string
	Role          string
	HistoryTurns  int
	HistoryTokens int
	Timeout       time.Duration
}

// LLMEvaluator runs CONTROL on a language model.
type LLMEvaluator struct {
	client   llm.LLMClient
	renderer *prompts.Renderer
	counter  *tokens.Counter
	logger   *logx.Logger
	opts     Options
}

// NewLLMEvaluator creates an evaluator. Zero options fall back to defaults.
func NewLLMEvaluator(client llm.LLMClient, renderer *prompts.Renderer, opts Options) *LLMEvaluator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 8
	}
	return &LLMEvaluator{
		client:   client,
		renderer: renderer,
		counter:  tokens.Default(),
		logger:   logx.NewLogger("control"),
		opts:     opts,
	}
}

func formatHistory(turns []proto.TurnRecord) string {
	var b strings.Builder
	for i := range turns {
		fmt.Fprintf(&b, "%s: %s\n", turns[i].Speaker, turns[i].Text)
	}
	return strings.TrimSpace(b.String())
}

// Evaluate implements Evaluator. A timeout or transport failure is TransientNetwork, an
// unusable reply is EvaluatorMalformed; neither is ever turned into zero scores.
func (e *LLMEvaluator) Evaluate(ctx context.Context, req Request) (proto.Scores, error) {
	data := &prompts.Data{
		Company:      e.opts.Company,
		Role:         e.opts.Role,
		History:      formatHistory(e.counter.Window(req.History, e.opts.HistoryTurns, e.opts.HistoryTokens)),
		LastQuestion: req.LastQuestion,
		LastAnswer:   req.LastAnswer,
	}
	system, err := e.renderer.Render(prompts.ControlEvaluator, data)
	if err != nil {
		return proto.Scores{}, fmt.Errorf("render evaluator prompt: %w", err)
	}
	user, err := e.renderer.Render(prompts.ControlRequest, data)
	if err != nil {
		return proto.Scores{}, fmt.Errorf("render evaluator request: %w", err)
	}

	ctx, cancel := context.WithTimeout(metrics.WithPurpose(ctx, string(proto.ReasonEvaluation)), e.opts.Timeout)
	defer cancel()

	resp, err := e.client.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.CompletionMessage{llm.NewSystemMessage(system), llm.NewUserMessage(user)},
		MaxTokens:   512,
		Temperature: llm.TemperatureScoring,
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return proto.Scores{}, faults.Wrap(faults.KindTransientNetwork, "control.evaluate", err,
				"evaluator timed out after "+e.opts.Timeout.String())
		}
		return proto.Scores{}, faults.FromLLM("control.evaluate", err)
	}

	scores, err := ParseScores(resp.Content)
	if err != nil {
		e.logger.Warn("⚠️ malformed evaluator output: %v", err)
		return proto.Scores{}, err
	}
	return scores, nil
}

// wireScores mirrors the evaluator JSON; pointers distinguish a missing field from zero.
type wireScores struct {
	Adaptability    *float64          `json:"adaptability"`
	Creativity      *float64          `json:"creativity"`
	Reasoning       *float64          `json:"reasoning"`
	Rationale       *string           `json:"rationale"`
	PillarRationale map[string]string `json:"pillar_rationale"`
}

// ParseScores validates an evaluator reply. Every pillar must be present and within [0,100],
// and every non-zero pillar must carry its own rationale.
func ParseScores(text string) (proto.Scores, error) {
	const op = "control.parse"
	raw, ok := llm.ExtractJSONObject(text)
	if !ok {
		return proto.Scores{}, faults.Malformed(op, "no JSON object in evaluator output")
	}
	var w wireScores
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return proto.Scores{}, faults.Wrap(faults.KindEvaluatorMalformed, op, err, "evaluator output is not valid JSON")
	}

	pillars := []struct {
		value *float64
		name  string
	}{
		{w.Adaptability, "adaptability"},
		{w.Creativity, "creativity"},
		{w.Reasoning, "reasoning"},
	}
	for _, p := range pillars {
		if p.value == nil {
			return proto.Scores{}, faults.Malformed(op, "missing required field %q", p.name)
		}
		if *p.value < 0 || *p.value > 100 {
			return proto.Scores{}, faults.Malformed(op, "%s score %v outside [0,100]", p.name, *p.value)
		}
		if *p.value > 0 && strings.TrimSpace(w.PillarRationale[p.name]) == "" {
			return proto.Scores{}, faults.Malformed(op, "non-zero %s score has no rationale", p.name)
		}
	}

	scores := proto.Scores{
		Adaptability:    *w.Adaptability,
		Creativity:      *w.Creativity,
		Reasoning:       *w.Reasoning,
		PillarRationale: w.PillarRationale,
	}
	if w.Rationale != nil {
		scores.Rationale = *w.Rationale
	}
	return scores, nil
}

// Package accountability scores how well a candidate understands code they pasted.
package accountability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"interviewer/pkg/faults"
	"interviewer/pkg/llm"
	"interviewer/pkg/logx"
	"interviewer/pkg/metrics"
	"interviewer/pkg/prompts"
	"interviewer/pkg/proto"
)

// Input is everything the scorer sees about one paste evaluation.
type Input struct {
	PastedContent string
	Task          string
	Questions     []string
	Answers       []string
}

// Scorer produces an accountability verdict.
type Scorer interface {
	Score(ctx context.Context, in Input) (proto.Accountability, error)
}

// LLMScorer scores with a language model.
type LLMScorer struct {
	client   llm.LLMClient
	renderer *prompts.Renderer
	logger   *logx.Logger
}

// NewLLMScorer creates a scorer.
func NewLLMScorer(client llm.LLMClient, renderer *prompts.Renderer) *LLMScorer {
	return &LLMScorer{client: client, renderer: renderer, logger: logx.NewLogger("accountability")}
}

func numbered(items []string) string {
	var b strings.Builder
	for i, item := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, item)
	}
	return strings.TrimSpace(b.String())
}

// Score implements Scorer.
func (s *LLMScorer) Score(ctx context.Context, in Input) (proto.Accountability, error) {
	data := &prompts.Data{
		PastedContent: in.PastedContent,
		Task:          in.Task,
		Questions:     numbered(in.Questions),
		Answers:       numbered(in.Answers),
	}
	system, err := s.renderer.Render(prompts.Accountability, data)
	if err != nil {
		return proto.Accountability{}, fmt.Errorf("render accountability prompt: %w", err)
	}
	user, err := s.renderer.Render(prompts.AccountabilityRequest, data)
	if err != nil {
		return proto.Accountability{}, fmt.Errorf("render accountability request: %w", err)
	}

	resp, err := s.client.Complete(metrics.WithPurpose(ctx, string(proto.ReasonAccountability)), llm.CompletionRequest{
		Messages:    []llm.CompletionMessage{llm.NewSystemMessage(system), llm.NewUserMessage(user)},
		MaxTokens:   512,
		Temperature: llm.TemperatureScoring,
	})
	if err != nil {
		return proto.Accountability{}, faults.FromLLM("accountability.score", err)
	}
	result, err := Parse(resp.Content)
	if err != nil {
		s.logger.Warn("⚠️ malformed accountability output: %v", err)
		return proto.Accountability{}, err
	}
	return result, nil
}

type wireResult struct {
	Understanding       *float64 `json:"understanding"`
	AccountabilityScore *float64 `json:"accountability_score"`
	Reasoning           *string  `json:"reasoning"`
	Caption             *string  `json:"caption"`
}

// Parse validates a scorer reply; all four fields are required.
func Parse(text string) (proto.Accountability, error) {
	const op = "accountability.parse"
	raw, ok := llm.ExtractJSONObject(text)
	if !ok {
		return proto.Accountability{}, faults.Malformed(op, "no JSON object in scorer output")
	}
	var w wireResult
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return proto.Accountability{}, faults.Wrap(faults.KindEvaluatorMalformed, op, err, "scorer output is not valid JSON")
	}
	switch {
	case w.Understanding == nil:
		return proto.Accountability{}, faults.Malformed(op, "missing required field %q", "understanding")
	case w.AccountabilityScore == nil:
		return proto.Accountability{}, faults.Malformed(op, "missing required field %q", "accountability_score")
	case w.Reasoning == nil:
		return proto.Accountability{}, faults.Malformed(op, "missing required field %q", "reasoning")
	case w.Caption == nil:
		return proto.Accountability{}, faults.Malformed(op, "missing required field %q", "caption")
	}
	for name, v := range map[string]float64{"understanding": *w.Understanding, "accountability_score": *w.AccountabilityScore} {
		if v < 0 || v > 100 {
			return proto.Accountability{}, faults.Malformed(op, "%s %v outside [0,100]", name, v)
		}
	}
	return proto.Accountability{
		Understanding:       *w.Understanding,
		AccountabilityScore: *w.AccountabilityScore,
		Reasoning:           *w.Reasoning,
		Caption:             *w.Caption,
	}, nil
}

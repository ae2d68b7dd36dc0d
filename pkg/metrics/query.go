package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// SessionMetrics aggregates model usage for one interview session.
type SessionMetrics struct {
	ByPurpose        map[string]int64 `json:"tokens_by_purpose"`
	SessionID        string           `json:"session_id"`
	PromptTokens     int64            `json:"prompt_tokens"`
	CompletionTokens int64            `json:"completion_tokens"`
	TotalTokens      int64            `json:"total_tokens"`
	Requests         int64            `json:"requests"`
	FailedRequests   int64            `json:"failed_requests"`
}

// FleetMetrics summarizes orchestrator behavior across all sessions.
type FleetMetrics struct {
	DiscardedReplies map[string]int64 `json:"discarded_replies"`
	ForcedCoding     map[string]int64 `json:"forced_coding"`
	PolicyViolations map[string]int64 `json:"policy_violations"`
	ActiveSessions   int64            `json:"active_sessions"`
}

// QueryService reads metrics back from a Prometheus server.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService creates a query service for the Prometheus server at prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (int64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("query %q: %w", query, err)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}

func (q *QueryService) byLabel(ctx context.Context, query string, label model.LabelName) (map[string]int64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", query, err)
	}
	out := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			out[string(sample.Metric[label])] = int64(sample.Value)
		}
	}
	return out, nil
}

// GetSessionMetrics retrieves token and request totals for a session.
func (q *QueryService) GetSessionMetrics(ctx context.Context, sessionID string) (*SessionMetrics, error) {
	m := &SessionMetrics{SessionID: sessionID}

	var err error
	if m.PromptTokens, err = q.scalar(ctx, fmt.Sprintf(`sum(llm_tokens_total{session_id=%q, type="prompt"})`, sessionID)); err != nil {
		return nil, err
	}
	if m.CompletionTokens, err = q.scalar(ctx, fmt.Sprintf(`sum(llm_tokens_total{session_id=%q, type="completion"})`, sessionID)); err != nil {
		return nil, err
	}
	m.TotalTokens = m.PromptTokens + m.CompletionTokens

	if m.Requests, err = q.scalar(ctx, fmt.Sprintf(`sum(llm_requests_total{session_id=%q})`, sessionID)); err != nil {
		return nil, err
	}
	if m.FailedRequests, err = q.scalar(ctx, fmt.Sprintf(`sum(llm_requests_total{session_id=%q, status="error"})`, sessionID)); err != nil {
		return nil, err
	}
	if m.ByPurpose, err = q.byLabel(ctx, fmt.Sprintf(`sum by (purpose) (llm_tokens_total{session_id=%q})`, sessionID), "purpose"); err != nil {
		return nil, err
	}
	return m, nil
}

// GetFleetMetrics retrieves orchestrator counters across all sessions.
func (q *QueryService) GetFleetMetrics(ctx context.Context) (*FleetMetrics, error) {
	m := &FleetMetrics{}

	var err error
	if m.DiscardedReplies, err = q.byLabel(ctx, `sum by (reason) (interview_replies_discarded_total)`, "reason"); err != nil {
		return nil, err
	}
	if m.ForcedCoding, err = q.byLabel(ctx, `sum by (cause) (interview_forced_coding_total)`, "cause"); err != nil {
		return nil, err
	}
	if m.PolicyViolations, err = q.byLabel(ctx, `sum by (kind) (interview_policy_violations_total)`, "kind"); err != nil {
		return nil, err
	}
	if m.ActiveSessions, err = q.scalar(ctx, `sum(interview_active_sessions)`); err != nil {
		return nil, err
	}
	return m, nil
}

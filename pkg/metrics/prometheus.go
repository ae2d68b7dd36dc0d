package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"interviewer/pkg/proto"
)

// PrometheusRecorder implements Recorder using Prometheus collectors.
type PrometheusRecorder struct {
	llmRequests        *prometheus.CounterVec
	llmTokens          *prometheus.CounterVec
	llmDuration        *prometheus.HistogramVec
	stageTransitions   *prometheus.CounterVec
	discardedReplies   *prometheus.CounterVec
	policyViolations   *prometheus.CounterVec
	evaluations        *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	forcedCoding       *prometheus.CounterVec
	pasteEvaluations   *prometheus.CounterVec
	activeSessions     prometheus.Gauge
}

// NewPrometheusRecorder registers the collectors with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		llmRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by model, purpose, session and status",
			},
			[]string{"model", "purpose", "session_id", "status", "error_type"},
		),
		llmTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "purpose", "session_id", "type"},
		),
		llmDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "purpose"},
		),
		stageTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interview_stage_transitions_total",
				Help: "Stage transitions by source and destination stage",
			},
			[]string{"from", "to"},
		),
		discardedReplies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interview_replies_discarded_total",
				Help: "Replies that arrived after their request was cancelled",
			},
			[]string{"reason"},
		),
		policyViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interview_policy_violations_total",
				Help: "Model outputs dropped for breaking a behavioral contract",
			},
			[]string{"kind"},
		),
		evaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interview_evaluations_total",
				Help: "CONTROL evaluations by outcome",
			},
			[]string{"status"},
		),
		evaluationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "interview_evaluation_duration_seconds",
				Help:    "Latency of CONTROL evaluations",
				Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 8},
			},
		),
		forcedCoding: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interview_forced_coding_total",
				Help: "Jumps to the coding stage that bypassed the stage gate",
			},
			[]string{"cause"},
		),
		pasteEvaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interview_paste_evaluations_total",
				Help: "Completed paste evaluations by completion trigger",
			},
			[]string{"trigger"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "interview_active_sessions",
				Help: "Interview sessions currently running",
			},
		),
	}
}

func (p *PrometheusRecorder) ObserveLLMRequest(model, purpose, sessionID string, promptTokens, completionTokens int,
	success bool, errorType string, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.llmRequests.WithLabelValues(model, purpose, sessionID, status, errorType).Inc()
	if success {
		p.llmTokens.WithLabelValues(model, purpose, sessionID, "prompt").Add(float64(promptTokens))
		p.llmTokens.WithLabelValues(model, purpose, sessionID, "completion").Add(float64(completionTokens))
	}
	p.llmDuration.WithLabelValues(model, purpose).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) IncStageTransition(from, to proto.Stage) {
	p.stageTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (p *PrometheusRecorder) IncDiscardedReply(marker string) {
	p.discardedReplies.WithLabelValues(marker).Inc()
}

func (p *PrometheusRecorder) IncPolicyViolation(kind string) {
	p.policyViolations.WithLabelValues(kind).Inc()
}

func (p *PrometheusRecorder) ObserveEvaluation(status string, duration time.Duration) {
	p.evaluations.WithLabelValues(status).Inc()
	p.evaluationDuration.Observe(duration.Seconds())
}

func (p *PrometheusRecorder) IncForcedCoding(cause string) {
	p.forcedCoding.WithLabelValues(cause).Inc()
}

func (p *PrometheusRecorder) IncPasteEvaluation(trigger string) {
	p.pasteEvaluations.WithLabelValues(trigger).Inc()
}

func (p *PrometheusRecorder) SetActiveSessions(n int) {
	p.activeSessions.Set(float64(n))
}

package interview

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"interviewer/pkg/accountability"
	"interviewer/pkg/bridge"
	"interviewer/pkg/config"
	"interviewer/pkg/control"
	"interviewer/pkg/faults"
	"interviewer/pkg/gate"
	"interviewer/pkg/limiter"
	"interviewer/pkg/llm"
	"interviewer/pkg/llm/provider"
	"interviewer/pkg/logx"
	"interviewer/pkg/metrics"
	"interviewer/pkg/paste"
	"interviewer/pkg/prompts"
	"interviewer/pkg/script"
)

// ClientFactory creates model clients. *provider.Factory satisfies it.
type ClientFactory interface {
	Create(purpose provider.Purpose) (llm.LLMClient, error)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Scripts    script.Source
	Clients    ClientFactory
	Renderer   *prompts.Renderer
	Sink       Sink
	Transcript Transcript
	Recorder   metrics.Recorder
	Evaluator  control.Options
	Settings   Settings

	// Limiter caps concurrent sessions; nil means unlimited.
	Limiter *limiter.Limiter
}

// SettingsFromConfig maps configuration onto session settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Gate: gate.Policy{
			MinQuestions: cfg.Interview.MinQuestions,
			Threshold:    cfg.Interview.ConfidenceThreshold,
		},
		Paste: paste.Policy{
			MinConfidence:  cfg.Paste.MinConfidence,
			MaxAnswers:     cfg.Paste.MaxAnswers,
			MaxCorrections: cfg.Interview.MaxCorrections,
		},
		ZeroStreakLimit:  cfg.Interview.ZeroStreakLimit,
		MaxCorrections:   cfg.Interview.MaxCorrections,
		EvaluatorRetries: cfg.Interview.EvaluatorRetries,
		MaxTokens:        cfg.Models.MaxTokens,
	}
}

// EvaluatorOptionsFromConfig maps configuration onto CONTROL evaluator options.
func EvaluatorOptionsFromConfig(cfg *config.Config) control.Options {
	return control.Options{
		HistoryTurns:  cfg.Interview.HistoryWindowTurns,
		HistoryTokens: cfg.Interview.EvaluatorContextTokens,
		Timeout:       cfg.Interview.EvaluatorTimeout(),
	}
}

// Manager creates sessions and tracks the live ones.
type Manager struct {
	opts     ManagerOptions
	logger   *logx.Logger
	sessions map[string]*Session
	wg       sync.WaitGroup
	mu       sync.RWMutex
}

// NewManager creates a manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Scripts == nil {
		return nil, faults.Missing("interview.manager", "scripts")
	}
	if opts.Clients == nil {
		return nil, faults.Missing("interview.manager", "clients")
	}
	if opts.Renderer == nil {
		r, err := prompts.NewRenderer()
		if err != nil {
			return nil, fmt.Errorf("failed to load prompt templates: %w", err)
		}
		opts.Renderer = r
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop()
	}
	return &Manager{
		opts:     opts,
		logger:   logx.NewLogger("manager"),
		sessions: make(map[string]*Session),
	}, nil
}

// Create builds a session for info, connects it to output through a model bridge, and runs
// it until it ends or ctx is cancelled. It fails with limiter.ErrSessionLimit when every
// slot is taken.
func (m *Manager) Create(ctx context.Context, info Info, output bridge.Output) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info.Company = strings.TrimSpace(info.Company)
	info.Role = strings.TrimSpace(info.Role)
	sc, err := m.opts.Scripts.Load(ctx, info.Company, info.Role)
	if err != nil {
		return nil, err
	}
	if l := m.opts.Limiter; l != nil {
		if err := l.AcquireSession(); err != nil {
			m.logger.Warn("⚠️ rejecting session for %s / %s: %v", sc.Company, sc.Role, err)
			return nil, err
		}
	}
	s, err := m.start(ctx, info, sc, output)
	if err != nil {
		m.release()
		return nil, err
	}
	return s, nil
}

func (m *Manager) release() {
	if m.opts.Limiter != nil {
		m.opts.Limiter.ReleaseSession()
	}
}

func (m *Manager) start(ctx context.Context, info Info, sc *script.Script, output bridge.Output) (*Session, error) {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}

	clients := make(map[provider.Purpose]llm.LLMClient, 4)
	for _, p := range []provider.Purpose{
		provider.PurposeConversation,
		provider.PurposeEvaluator,
		provider.PurposePaste,
		provider.PurposeAccountability,
	} {
		c, err := m.opts.Clients.Create(p)
		if err != nil {
			return nil, faults.Wrap(faults.KindConfigurationMissing, "interview.manager", err, fmt.Sprintf("no %s model client", p))
		}
		clients[p] = c
	}

	systemPrompt, err := m.opts.Renderer.Render(prompts.System, &prompts.Data{
		Company:            sc.Company,
		Role:               sc.Role,
		CandidateName:      info.Candidate,
		BackgroundQuestion: sc.BackgroundQuestion,
		CodingChallenge:    sc.TaskText(),
	})
	if err != nil {
		return nil, err
	}

	evalOpts := m.opts.Evaluator
	evalOpts.Company = sc.Company
	evalOpts.Role = sc.Role

	mb := bridge.NewModelBridge(info.ID, clients[provider.PurposeConversation], systemPrompt, output, m.opts.Settings.MaxTokens)
	s, err := NewSession(info, sc, Deps{
		Bridge:      mb,
		Evaluator:   control.NewLLMEvaluator(clients[provider.PurposeEvaluator], m.opts.Renderer, evalOpts),
		PasteClient: clients[provider.PurposePaste],
		Scorer:      accountability.NewLLMScorer(clients[provider.PurposeAccountability], m.opts.Renderer),
		Renderer:    m.opts.Renderer,
		Sink:        m.opts.Sink,
		Transcript:  m.opts.Transcript,
		Recorder:    m.opts.Recorder,
	}, m.opts.Settings)
	if err != nil {
		return nil, err
	}
	mb.SetSink(s.Submit)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	active := len(m.sessions)
	m.mu.Unlock()
	m.opts.Recorder.SetActiveSessions(active)
	m.logger.Info("🎬 session %s created for %s / %s", s.ID(), sc.Company, sc.Role)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release()
		defer m.remove(s.ID())
		if err := s.Run(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("session %s ended with error: %v", s.ID(), err)
		}
		mb.Wait()
	}()
	return s, nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	active := len(m.sessions)
	m.mu.Unlock()
	m.opts.Recorder.SetActiveSessions(active)
	m.logger.Info("session %s removed", id)
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns snapshots of the live sessions, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Info.ID < out[j].Info.ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Wait blocks until every session goroutine has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

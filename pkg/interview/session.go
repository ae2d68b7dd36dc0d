package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"interviewer/pkg/accountability"
	"interviewer/pkg/arbiter"
	"interviewer/pkg/bridge"
	"interviewer/pkg/control"
	"interviewer/pkg/faults"
	"interviewer/pkg/gate"
	"interviewer/pkg/llm"
	"interviewer/pkg/logx"
	"interviewer/pkg/metrics"
	"interviewer/pkg/paste"
	"interviewer/pkg/persistence"
	"interviewer/pkg/prompts"
	"interviewer/pkg/proto"
	"interviewer/pkg/script"
)

// Notices shown to the candidate. Raw errors never reach them.
const (
	NoticeTechnicalDifficulty = "We ran into a technical difficulty and have to end the interview here. Thank you for your time."
	NoticeInterviewEnded      = "The interview has ended."
)

// TagPolicyViolation marks a reply that was dropped for breaking the control protocol.
const TagPolicyViolation = "policy_violation"

const inboxSize = 64

// Sink receives checkpoints and records. Implementations must not block.
type Sink interface {
	SaveSession(s persistence.SessionRecord)
	SaveTurn(t proto.TurnRecord)
	SaveCheckpoint(c persistence.Checkpoint)
	SavePasteEvaluation(p persistence.PasteRecord)
}

// Transcript is an append-only log of turns and stage changes.
type Transcript interface {
	AppendTurn(t proto.TurnRecord) error
	AppendTransition(sessionID string, from, to proto.Stage, cause string) error
}

// Info identifies an interview.
type Info struct {
	ID        string `json:"id"`
	Company   string `json:"company"`
	Role      string `json:"role"`
	Candidate string `json:"candidate,omitempty"`
}

// Deps are a session's collaborators.
type Deps struct {
	Bridge      bridge.Bridge
	Evaluator   control.Evaluator
	PasteClient llm.LLMClient
	Scorer      accountability.Scorer
	Renderer    *prompts.Renderer
	Sink        Sink
	Transcript  Transcript
	Recorder    metrics.Recorder
}

// Settings are the tunable constants of a session.
type Settings struct {
	Gate             gate.Policy
	Paste            paste.Policy
	ZeroStreakLimit  int
	MaxCorrections   int
	EvaluatorRetries int
	MaxTokens        int
}

// DefaultSettings returns the reference constants.
func DefaultSettings() Settings {
	return Settings{
		Gate:            gate.DefaultPolicy,
		Paste:           paste.Policy{MinConfidence: paste.DefaultMinConfidence, MaxAnswers: paste.DefaultMaxAnswers, MaxCorrections: paste.DefaultMaxCorrections},
		ZeroStreakLimit: control.DefaultZeroStreakLimit,
		MaxCorrections:  2,
		MaxTokens:       llm.DefaultMaxTokens,
	}
}

// Snapshot is a point-in-time view of a session, safe to read from any goroutine.
type Snapshot struct {
	StartedAt     time.Time   `json:"started_at"`
	Info          Info        `json:"info"`
	Stage         proto.Stage `json:"stage"`
	Confidence    float64     `json:"confidence"`
	QuestionCount int         `json:"question_count"`
	Transitioned  bool        `json:"transitioned"`
	PasteOpen     bool        `json:"paste_open"`
}

type heldReply struct {
	pending arbiter.Pending
	text    string
}

// Session is one interview. All state changes happen inside Handle, which Run calls from a
// single goroutine; tests may call Start and Handle directly.
type Session struct {
	info       Info
	startedAt  time.Time
	script     *script.Script
	deps       Deps
	settings   Settings
	machine    *Machine
	replies    *arbiter.Arbiter
	evals      *arbiter.Arbiter
	assessment *control.Assessment
	launch     proto.Launcher
	logger     *logx.Logger
	inbox      chan proto.Event
	done       chan struct{}
	doneOnce   sync.Once
	onFinish   func(id string)

	turns        []proto.TurnRecord
	queued       []proto.ReplyReason
	held         *heldReply
	paste        *paste.Flow
	lastQuestion string
	lastAnswer   string
	evalStarted  time.Time
	published    int
	corrections  int
	evalAttempts int
	evalSettled  bool
	concluding   bool
	finished     bool

	mu       sync.RWMutex
	snapshot Snapshot
}

// Option configures a Session.
type Option func(*Session)

// WithLauncher replaces how out-of-band calls are run. The default runs each call on its
// own goroutine and submits the resulting event.
func WithLauncher(l proto.Launcher) Option {
	return func(s *Session) { s.launch = l }
}

// WithFinishHook is called once when the session ends.
func WithFinishHook(fn func(id string)) Option {
	return func(s *Session) { s.onFinish = fn }
}

// NewSession creates a session in the idle stage. A missing script is a fatal configuration
// error.
func NewSession(info Info, sc *script.Script, deps Deps, settings Settings, opts ...Option) (*Session, error) {
	if sc == nil {
		return nil, faults.Missing("interview.new_session", "script")
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if deps.Bridge == nil {
		return nil, faults.Missing("interview.new_session", "bridge")
	}
	if deps.Renderer == nil {
		return nil, faults.Missing("interview.new_session", "renderer")
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.Nop()
	}
	if settings.MaxTokens <= 0 {
		settings.MaxTokens = llm.DefaultMaxTokens
	}

	replies := arbiter.New(info.ID)
	assessment := control.NewAssessment(settings.ZeroStreakLimit)
	s := &Session{
		info:        info,
		startedAt:   time.Now().UTC(),
		script:      sc,
		deps:        deps,
		settings:    settings,
		replies:     replies,
		evals:       arbiter.New(info.ID + "/control"),
		assessment:  assessment,
		machine:     NewMachine(info.ID, replies, assessment, settings.Gate, deps.Recorder),
		logger:      logx.NewLogger("session").With(info.ID),
		inbox:       make(chan proto.Event, inboxSize),
		done:        make(chan struct{}),
		evalSettled: true,
	}
	s.launch = s.goLaunch
	for _, opt := range opts {
		opt(s)
	}
	s.refreshSnapshot()
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.info.ID }

// Stage returns the current stage. Only call it from the session goroutine or a test.
func (s *Session) Stage() proto.Stage { return s.machine.Stage() }

// Assessment returns the CONTROL state. Only call it from the session goroutine or a test.
func (s *Session) Assessment() *control.Assessment { return s.assessment }

// Turns returns the transcript, including turns that were never shown.
func (s *Session) Turns() []proto.TurnRecord {
	return append([]proto.TurnRecord{}, s.turns...)
}

// Snapshot returns the latest published view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Done is closed when the session has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Submit queues an event. It blocks while the inbox is full and drops the event once the
// session has finished.
func (s *Session) Submit(ev proto.Event) {
	select {
	case s.inbox <- ev:
	case <-s.done:
		s.logger.Debug("dropping %s after session end", proto.Describe(ev))
	}
}

func (s *Session) goLaunch(ctx context.Context, call proto.Call) {
	go func() {
		s.Submit(call(ctx))
	}()
}

// Run starts the interview and processes events until it ends or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		if faults.IsFatal(err) {
			s.abort(ctx, err)
		}
		return err
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context cancelled in stage %s", s.machine.Stage())
			s.shutdown(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-s.done:
			return nil
		case ev := <-s.inbox:
			if err := s.Handle(ctx, ev); err != nil {
				s.logger.Warn("⚠️ %s: %v", proto.Describe(ev), err)
			}
		}
	}
}

// Start persists the session record, enters the greeting stage and requests the greeting.
func (s *Session) Start(ctx context.Context) error {
	s.saveSession(persistence.SessionStatusActive, nil)
	if err := s.machine.Start(); err != nil {
		return err
	}
	s.publishTransitions(ctx)
	err := s.requestReply(ctx, proto.ReasonGreeting)
	s.refreshSnapshot()
	return err
}

// Handle applies one event. Fatal errors end the session before they are returned.
func (s *Session) Handle(ctx context.Context, ev proto.Event) error {
	if s.finished {
		if a, ok := ev.(proto.AccountabilityResult); ok && s.paste != nil {
			return s.onAccountability(ctx, a)
		}
		s.logger.Debug("ignoring %s after session end", proto.Describe(ev))
		return nil
	}
	s.logger.Debug("handling %s in %s", proto.Describe(ev), s.machine.Stage())

	var err error
	switch e := ev.(type) {
	case proto.UserFinal:
		err = s.onUserFinal(ctx, e)
	case proto.AssistantFinal:
		err = s.onAssistantFinal(ctx, e)
	case proto.EvaluatorResult:
		err = s.onEvaluatorResult(ctx, e)
	case proto.PasteDetected:
		err = s.onPasteDetected(ctx, e)
	case proto.PasteReply:
		err = s.onPasteReply(ctx, e)
	case proto.AccountabilityResult:
		err = s.onAccountability(ctx, e)
	case proto.CapSignal:
		err = s.onCapSignal(ctx, e)
	default:
		err = fmt.Errorf("unsupported event %T", ev)
	}

	if err != nil && faults.IsFatal(err) {
		s.abort(ctx, err)
	}
	s.publishTransitions(ctx)
	s.refreshSnapshot()
	return err
}

// --- candidate input ---

func (s *Session) onUserFinal(ctx context.Context, e proto.UserFinal) error {
	text := strings.TrimSpace(e.Text)
	if text == "" {
		return nil
	}
	stage := s.machine.Stage()
	if stage == proto.StageIdle {
		return faults.Desync("session.user_final", "candidate spoke before the interview started")
	}

	if stage == proto.StageCodingSession && s.paste != nil && s.paste.AcceptsAnswers() {
		return s.answerPaste(ctx, text)
	}

	s.postTurn(ctx, proto.SpeakerUser, text, "")
	if s.concluding {
		return nil
	}

	changed, err := s.machine.UserFinal()
	if err != nil {
		return err
	}
	switch s.machine.Stage() {
	case proto.StageGreetingAcknowledged:
		if changed {
			return s.requestReply(ctx, proto.ReasonBackgroundQuestion)
		}
	case proto.StageBackgroundAnswered:
		if !changed {
			return nil
		}
		s.lastAnswer = text
		if err := s.startEvaluation(ctx); err != nil {
			return err
		}
		return s.requestReply(ctx, proto.ReasonBackgroundFollowup)
	case proto.StageCodingSession:
		return s.requestReply(ctx, proto.ReasonCodingReply)
	}
	return nil
}

// --- main conversation replies ---

func (s *Session) promptData() *prompts.Data {
	return &prompts.Data{
		Company:            s.info.Company,
		Role:               s.info.Role,
		CandidateName:      s.info.Candidate,
		BackgroundQuestion: s.script.BackgroundQuestion,
		CodingChallenge:    s.script.TaskText(),
	}
}

// requestReply asks for a reply for reason, or queues it while another reply is pending.
func (s *Session) requestReply(ctx context.Context, reason proto.ReplyReason) error {
	if s.replies.Active() {
		for _, q := range s.queued {
			if q == reason {
				return nil
			}
		}
		s.logger.Debug("queueing %s reply behind pending reply", reason)
		s.queued = append(s.queued, reason)
		return nil
	}
	name, ok := prompts.ForReason(reason)
	if !ok {
		return fmt.Errorf("no instruction for reply reason %s", reason)
	}
	data := s.promptData()
	if reason == proto.ReasonConclusion && s.concluding {
		data.Reason = "time is up"
	}
	instruction, err := s.deps.Renderer.Render(name, data)
	if err != nil {
		return err
	}
	return s.issue(ctx, reason, instruction)
}

// issue takes the pending slot, injects instruction when set, and requests the reply.
func (s *Session) issue(ctx context.Context, reason proto.ReplyReason, instruction string) error {
	p, err := s.replies.BeginPending(reason, s.machine.Stage())
	if err != nil {
		return err
	}
	if instruction != "" {
		if err := s.deps.Bridge.InjectSystemMessage(ctx, instruction); err != nil {
			s.replies.Complete()
			return fmt.Errorf("inject %s instruction: %w", reason, err)
		}
	}
	if err := s.deps.Bridge.RequestResponse(ctx, bridge.ResponseRequest{ID: p.ID, Reason: reason}); err != nil {
		s.replies.Complete()
		return fmt.Errorf("request %s reply: %w", reason, err)
	}
	return nil
}

// relevant reports whether a queued reason still fits the current stage.
func (s *Session) relevant(reason proto.ReplyReason) bool {
	stage := s.machine.Stage()
	switch reason {
	case proto.ReasonBackgroundQuestion:
		return stage == proto.StageGreetingAcknowledged
	case proto.ReasonBackgroundFollowup:
		return stage == proto.StageBackgroundAnswered
	case proto.ReasonCodingIntro, proto.ReasonCodingReply:
		return stage == proto.StageCodingSession && !s.concluding
	case proto.ReasonConclusion:
		return !stage.IsTerminal()
	default:
		return false
	}
}

func (s *Session) drainQueue(ctx context.Context) error {
	for len(s.queued) > 0 && !s.replies.Active() {
		reason := s.queued[0]
		s.queued = s.queued[1:]
		if !s.relevant(reason) {
			s.logger.Debug("dropping queued %s reply in %s", reason, s.machine.Stage())
			continue
		}
		if err := s.requestReply(ctx, reason); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) onAssistantFinal(ctx context.Context, e proto.AssistantFinal) error {
	res := s.replies.Resolve(e.ReplyID)
	switch res.Outcome {
	case arbiter.Discarded:
		s.recordDiscarded(ctx, res.Pending, e.Text, "")
		return nil
	case arbiter.Unexpected:
		_, err := s.machine.AIFinal(e.ReplyID)
		return err
	}
	p := res.Pending

	if e.Err != nil {
		return s.retryReply(ctx, p, e.Err)
	}

	text := e.Text
	if control.ContainsControlLeak(text) {
		s.deps.Recorder.IncPolicyViolation("control_leak")
		s.logger.Warn("⚠️ policy violation: %s reply %s leaked control markup", p.Reason, p.ID)
		s.recordTurn(proto.TurnRecord{Speaker: proto.SpeakerAssistant, Text: text, Tag: TagPolicyViolation})
		if s.corrections < s.settings.MaxCorrections {
			s.corrections++
			s.replies.Complete()
			correction, err := s.deps.Renderer.Render(prompts.LeakCorrection, s.promptData())
			if err != nil {
				return err
			}
			return s.issue(ctx, p.Reason, correction)
		}
		text = control.StripControl(text)
	}
	s.corrections = 0

	if p.Reason == proto.ReasonBackgroundFollowup && !s.evalSettled {
		s.logger.Debug("holding %s reply %s until its evaluation arrives", p.Reason, p.ID)
		s.held = &heldReply{pending: p, text: text}
		return nil
	}
	return s.applyReply(ctx, p.ID, text)
}

// retryReply re-requests a reply that failed, and ends the interview once the budget is gone.
func (s *Session) retryReply(ctx context.Context, p arbiter.Pending, cause error) error {
	s.replies.Complete()
	if s.corrections < s.settings.MaxCorrections {
		s.corrections++
		s.logger.Warn("%s reply %s failed (%v); retry %d/%d", p.Reason, p.ID, cause, s.corrections, s.settings.MaxCorrections)
		return s.issue(ctx, p.Reason, "")
	}
	s.corrections = 0
	s.logger.Error("%s reply failed after %d retries: %v", p.Reason, s.settings.MaxCorrections, cause)
	s.notify(ctx, NoticeTechnicalDifficulty)
	s.concludeNow(ctx, "reply_failed", persistence.SessionStatusAborted)
	return nil
}

// applyReply hands an accepted reply to the machine and publishes its effects.
func (s *Session) applyReply(ctx context.Context, replyID, text string) error {
	r, err := s.machine.AIFinal(replyID)
	if err != nil {
		return err
	}

	switch {
	case r.Display && text != "":
		s.postTurn(ctx, proto.SpeakerAssistant, text, "")
		if r.Pending.Reason == proto.ReasonBackgroundQuestion || r.Pending.Reason == proto.ReasonBackgroundFollowup {
			s.lastQuestion = text
		}
	case !r.Display:
		s.recordDiscarded(ctx, r.Pending, text, "")
	}

	if r.From.IsBackground() && r.To == proto.StageCodingSession {
		if err := s.leftBackground(ctx); err != nil {
			return err
		}
	}
	if r.To == proto.StageConcluded {
		s.finish(persistence.SessionStatusCompleted)
		return nil
	}
	return s.drainQueue(ctx)
}

// --- CONTROL evaluation ---

func (s *Session) visibleHistory() []proto.TurnRecord {
	out := make([]proto.TurnRecord, 0, len(s.turns))
	for i := range s.turns {
		if s.turns[i].Visible() && s.turns[i].PasteID == "" {
			out = append(out, s.turns[i])
		}
	}
	return out
}

func (s *Session) startEvaluation(ctx context.Context) error {
	if p, ok := s.evals.CancelAndDiscard(); ok {
		s.logger.Info("evaluation %s superseded by a newer answer", p.ID)
	}
	s.evalSettled = false
	s.evalAttempts = 0
	return s.launchEvaluation(ctx)
}

func (s *Session) launchEvaluation(ctx context.Context) error {
	if s.deps.Evaluator == nil {
		return faults.Missing("session.evaluate", "evaluator")
	}
	p, err := s.evals.BeginPending(proto.ReasonEvaluation, s.machine.Stage())
	if err != nil {
		return err
	}
	req := control.Request{
		History:      s.visibleHistory(),
		LastQuestion: s.lastQuestion,
		LastAnswer:   s.lastAnswer,
	}
	evaluator := s.deps.Evaluator
	ticket := p.ID
	s.evalStarted = time.Now()
	s.launch(metrics.WithSession(ctx, s.info.ID), func(ctx context.Context) proto.Event {
		scores, err := evaluator.Evaluate(ctx, req)
		return proto.EvaluatorResult{Ticket: ticket, Scores: scores, Err: err}
	})
	return nil
}

func (s *Session) onEvaluatorResult(ctx context.Context, e proto.EvaluatorResult) error {
	res := s.evals.Resolve(e.Ticket)
	switch res.Outcome {
	case arbiter.Discarded:
		s.logger.Info("dropping late evaluation %s (%s)", res.Pending.ID, res.Pending.Marker())
		s.deps.Recorder.ObserveEvaluation("discarded", time.Since(s.evalStarted))
		return nil
	case arbiter.Unexpected:
		return faults.Desync("session.evaluator_result", "evaluation %q arrived with no pending evaluation", e.Ticket)
	}
	s.evals.Complete()
	elapsed := time.Since(s.evalStarted)

	if e.Err != nil {
		s.deps.Recorder.ObserveEvaluation(faults.KindOf(e.Err).String(), elapsed)
		if s.evalAttempts < s.settings.EvaluatorRetries && s.machine.Stage().IsBackground() {
			s.evalAttempts++
			s.logger.Warn("evaluation failed (%v); retry %d/%d", e.Err, s.evalAttempts, s.settings.EvaluatorRetries)
			return s.launchEvaluation(ctx)
		}
		s.logger.Warn("⚠️ evaluation failed, holding stage: %v", e.Err)
		s.evalSettled = true
		return s.releaseHeld(ctx)
	}

	s.deps.Recorder.ObserveEvaluation("ok", elapsed)
	override := s.assessment.Apply(e.Scores)
	s.evalSettled = true
	s.logger.Info("📊 evaluation %d: mean=%.1f confidence=%.1f zero_streak=%d",
		s.assessment.QuestionCount, e.Scores.Mean(), s.assessment.Confidence, s.assessment.ZeroStreak)

	if override && s.machine.Stage().IsBackground() {
		return s.forceCoding(ctx, "zero_streak")
	}
	return s.releaseHeld(ctx)
}

// releaseHeld processes a follow-up reply that was waiting for its evaluation.
func (s *Session) releaseHeld(ctx context.Context) error {
	if s.held == nil {
		return nil
	}
	h := s.held
	s.held = nil
	return s.applyReply(ctx, h.pending.ID, h.text)
}

// forceCoding applies the override. A held follow-up is consumed and discarded; a reply still
// being generated is cancelled and discarded when it arrives.
func (s *Session) forceCoding(ctx context.Context, cause string) error {
	if h := s.held; h != nil {
		s.held = nil
		s.replies.Complete()
		s.recordDiscarded(ctx, h.pending, h.text, "")
	}
	changed, cancelled, err := s.machine.ForceCoding(cause)
	if err != nil {
		return err
	}
	if cancelled != nil {
		s.logger.Info("cancelled pending %s reply %s", cancelled.Reason, cancelled.ID)
		if err := s.deps.Bridge.CancelInFlightResponse(ctx); err != nil {
			s.logger.Warn("cancel in-flight reply: %v", err)
		}
	}
	if !changed {
		return nil
	}
	s.deps.Recorder.IncForcedCoding(cause)
	return s.leftBackground(ctx)
}

// leftBackground checkpoints the background stage and introduces the coding challenge.
func (s *Session) leftBackground(ctx context.Context) error {
	if p, ok := s.evals.CancelAndDiscard(); ok {
		s.logger.Debug("discarding evaluation %s after leaving background", p.ID)
	}
	s.evalSettled = true
	s.checkpointBackground()
	return s.requestReply(ctx, proto.ReasonCodingIntro)
}

func (s *Session) checkpointBackground() {
	scores, err := json.Marshal(s.assessment)
	if err != nil {
		s.logger.Warn("marshal assessment: %v", err)
	}
	if s.deps.Sink == nil {
		return
	}
	s.deps.Sink.SaveCheckpoint(persistence.Checkpoint{
		SessionID:  s.info.ID,
		Kind:       persistence.CheckpointBackgroundExit,
		Stage:      s.machine.Stage(),
		Messages:   s.visibleHistory(),
		Scores:     scores,
		Rationales: s.assessment.Rationales(),
		CreatedAt:  time.Now().UTC(),
	})
}

// --- paste evaluation ---

func (s *Session) onPasteDetected(ctx context.Context, e proto.PasteDetected) error {
	if s.machine.Stage() != proto.StageCodingSession || s.concluding {
		s.logger.Info("ignoring paste in %s", s.machine.Stage())
		return nil
	}
	if strings.TrimSpace(e.Content) == "" {
		return nil
	}
	if s.paste != nil {
		s.logger.Info("paste evaluation %s still open; ignoring new paste", s.paste.ID())
		return nil
	}
	if s.deps.PasteClient == nil || s.deps.Scorer == nil {
		return faults.Missing("session.paste", "paste client")
	}

	f, err := paste.Open(uuid.NewString(), e.Content, s.info.Company, s.info.Role, s.settings.Paste, s.deps.Renderer)
	if err != nil {
		return err
	}
	s.paste = f
	s.logger.Info("📋 paste evaluation %s opened (%d chars)", f.ID(), len(e.Content))
	req, err := f.Begin()
	if err != nil {
		return err
	}
	s.launchPaste(ctx, f.ID(), req)
	return nil
}

func (s *Session) launchPaste(ctx context.Context, pasteID string, req *paste.Request) {
	client := s.deps.PasteClient
	maxTokens := s.settings.MaxTokens
	callCtx := metrics.WithPurpose(metrics.WithSession(ctx, s.info.ID), string(req.Reason))
	s.launch(callCtx, func(ctx context.Context) proto.Event {
		resp, err := client.Complete(ctx, llm.CompletionRequest{
			Messages:    req.Messages,
			MaxTokens:   maxTokens,
			Temperature: llm.TemperatureConversation,
		})
		return proto.PasteReply{PasteID: pasteID, ReplyID: req.ReplyID, Text: resp.Content, Err: err}
	})
}

func (s *Session) answerPaste(ctx context.Context, text string) error {
	f := s.paste
	s.postTurn(ctx, proto.SpeakerUser, text, f.ID())
	req, score, err := f.Answer(text)
	if err != nil {
		return err
	}
	if req != nil {
		s.launchPaste(ctx, f.ID(), req)
	}
	if score {
		s.startScoring(ctx, f)
	}
	return nil
}

func (s *Session) onPasteReply(ctx context.Context, e proto.PasteReply) error {
	f := s.paste
	if f == nil || f.ID() != e.PasteID || f.Closed() {
		s.logger.Info("dropping reply for closed paste evaluation %s", e.PasteID)
		s.deps.Recorder.IncDiscardedReply(proto.ReasonPasteScore.DiscardMarker())
		return nil
	}

	var (
		out paste.Outcome
		err error
	)
	if e.Err != nil {
		out, err = f.HandleFailure(e.ReplyID, e.Err)
	} else {
		out, err = f.HandleReply(e.ReplyID, e.Text)
	}
	if err != nil {
		return err
	}

	switch {
	case out.Discarded != nil:
		s.recordDiscarded(ctx, *out.Discarded, e.Text, f.ID())
		return nil
	case out.Violation:
		s.deps.Recorder.IncPolicyViolation("paste_answer_cap")
		s.recordTurn(proto.TurnRecord{Speaker: proto.SpeakerAssistant, Text: e.Text, PasteID: f.ID(), Tag: TagPolicyViolation})
	case out.Show != "":
		s.postTurn(ctx, proto.SpeakerAssistant, out.Show, f.ID())
	}

	if out.Retry != nil {
		s.launchPaste(ctx, f.ID(), out.Retry)
	}
	if out.Abandoned {
		s.closePaste(f, nil, persistence.PasteStatusAbandoned)
		return nil
	}
	if out.Score {
		s.startScoring(ctx, f)
	}
	return nil
}

func (s *Session) startScoring(ctx context.Context, f *paste.Flow) {
	ev := f.Snapshot()
	s.deps.Recorder.IncPasteEvaluation(ev.Trigger)
	s.logger.Info("📋 scoring paste evaluation %s (%s, %d answers)", f.ID(), ev.Trigger, ev.AnswerCount)

	content, questions, answers := f.AccountabilityInput()
	in := accountability.Input{
		PastedContent: content,
		Task:          s.script.TaskText(),
		Questions:     questions,
		Answers:       answers,
	}
	scorer := s.deps.Scorer
	id := f.ID()
	s.launch(metrics.WithSession(ctx, s.info.ID), func(ctx context.Context) proto.Event {
		result, err := scorer.Score(ctx, in)
		return proto.AccountabilityResult{PasteID: id, Result: result, Err: err}
	})
}

func (s *Session) onAccountability(_ context.Context, e proto.AccountabilityResult) error {
	f := s.paste
	if f == nil || f.ID() != e.PasteID {
		s.logger.Warn("accountability result for unknown paste evaluation %s", e.PasteID)
		return nil
	}
	if e.Err != nil {
		s.logger.Warn("⚠️ accountability scoring failed for %s: %v", e.PasteID, e.Err)
		s.closePaste(f, nil, persistence.PasteStatusFailed)
		return nil
	}
	verdict := e.Result
	s.logger.Info("📋 paste evaluation %s scored: understanding=%.0f accountability=%.0f",
		e.PasteID, verdict.Understanding, verdict.AccountabilityScore)
	s.closePaste(f, &verdict, persistence.PasteStatusScored)
	return nil
}

func (s *Session) closePaste(f *paste.Flow, verdict *proto.Accountability, status string) {
	ev := f.Close()
	s.paste = nil
	now := time.Now().UTC()

	if s.deps.Sink != nil {
		s.deps.Sink.SavePasteEvaluation(persistence.PasteRecord{
			ID:             ev.ID,
			SessionID:      s.info.ID,
			PastedContent:  ev.PastedContent,
			Questions:      ev.Questions,
			Answers:        ev.Answers,
			AnswerCount:    ev.AnswerCount,
			Confidence:     ev.Confidence,
			Trigger:        ev.Trigger,
			Status:         status,
			Accountability: verdict,
			CreatedAt:      ev.CreatedAt,
			CompletedAt:    &now,
		})
		if status != persistence.PasteStatusAbandoned {
			var (
				scores     json.RawMessage
				rationales []string
			)
			if verdict != nil {
				scores, _ = json.Marshal(verdict)
				rationales = []string{verdict.Reasoning}
			}
			var messages []proto.TurnRecord
			for i := range s.turns {
				if s.turns[i].PasteID == ev.ID {
					messages = append(messages, s.turns[i])
				}
			}
			s.deps.Sink.SaveCheckpoint(persistence.Checkpoint{
				SessionID:  s.info.ID,
				Kind:       persistence.CheckpointPasteComplete,
				Stage:      s.machine.Stage(),
				Messages:   messages,
				Scores:     scores,
				Rationales: rationales,
				CreatedAt:  now,
			})
		}
	}
	s.logger.Info("📋 paste evaluation %s closed (%s)", ev.ID, status)
	if s.finished {
		s.closeDone()
	}
}

// dropPaste closes the open paste evaluation without a verdict.
func (s *Session) dropPaste() {
	f := s.paste
	if f == nil {
		return
	}
	status := persistence.PasteStatusFailed
	if f.Snapshot().AnswerCount == 0 {
		status = persistence.PasteStatusAbandoned
	}
	s.closePaste(f, nil, status)
}

// --- ending ---

func (s *Session) onCapSignal(ctx context.Context, e proto.CapSignal) error {
	if s.concluding {
		return nil
	}
	s.concluding = true
	s.logger.Info("⏹️ cap signal (%s) in %s", e.Reason, s.machine.Stage())

	s.cancelPending(ctx)

	if f := s.paste; f != nil && !f.Ready() {
		score, err := f.ForceComplete(paste.TriggerForced)
		switch {
		case errors.Is(err, paste.ErrAbandoned):
			s.closePaste(f, nil, persistence.PasteStatusAbandoned)
		case err != nil:
			return err
		case score:
			s.startScoring(ctx, f)
		}
	}

	if s.machine.Stage().IsBackground() {
		s.assessment.MarkTransitioned()
		s.checkpointBackground()
	}
	if s.machine.Stage() == proto.StageIdle {
		s.concludeNow(ctx, e.Reason, persistence.SessionStatusCompleted)
		return nil
	}
	return s.requestReply(ctx, proto.ReasonConclusion)
}

// cancelPending drops every outstanding main-conversation request and evaluation.
func (s *Session) cancelPending(ctx context.Context) {
	s.queued = nil
	if h := s.held; h != nil {
		s.held = nil
		s.replies.Complete()
		s.recordDiscarded(ctx, h.pending, h.text, "")
	}
	if p, ok := s.replies.CancelAndDiscard(); ok {
		s.logger.Info("cancelled pending %s reply %s", p.Reason, p.ID)
		if err := s.deps.Bridge.CancelInFlightResponse(ctx); err != nil {
			s.logger.Warn("cancel in-flight reply: %v", err)
		}
	}
	if p, ok := s.evals.CancelAndDiscard(); ok {
		s.logger.Info("discarding in-flight evaluation %s", p.ID)
	}
	s.evalSettled = true
}

// abort ends the session after a fatal error.
func (s *Session) abort(ctx context.Context, cause error) {
	s.logger.Error("❌ aborting session: %v", cause)
	s.notify(ctx, NoticeTechnicalDifficulty)
	s.concludeNow(ctx, faults.KindOf(cause).String(), persistence.SessionStatusAborted)
}

// shutdown ends the session when its context is gone. Nothing reads the inbox afterwards, so
// an open paste evaluation is closed unscored, even one whose scoring is in flight.
func (s *Session) shutdown(ctx context.Context) {
	s.cancelPending(ctx)
	s.dropPaste()
	_ = s.machine.Conclude("shutdown")
	s.publishTransitions(ctx)
	s.finish(persistence.SessionStatusAborted)
}

func (s *Session) concludeNow(ctx context.Context, cause, status string) {
	s.cancelPending(ctx)
	if s.paste != nil && !s.paste.Ready() {
		s.dropPaste()
	}
	if err := s.machine.Conclude(cause); err != nil {
		s.logger.Error("conclude: %v", err)
	}
	s.finish(status)
}

func (s *Session) finish(status string) {
	if s.finished {
		return
	}
	s.finished = true
	now := time.Now().UTC()
	s.saveSession(status, &now)
	s.logger.Info("🏁 session finished (%s)", status)
	if s.onFinish != nil {
		s.onFinish(s.info.ID)
	}
	if s.paste == nil || !s.paste.Ready() {
		s.closeDone()
	}
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// --- recording ---

func (s *Session) recordTurn(t proto.TurnRecord) proto.TurnRecord {
	t.SessionID = s.info.ID
	t.Timestamp = time.Now().UTC()
	if t.Stage == "" {
		t.Stage = s.machine.Stage()
	}
	s.turns = append(s.turns, t)
	if s.deps.Sink != nil {
		s.deps.Sink.SaveTurn(t)
	}
	if s.deps.Transcript != nil {
		if err := s.deps.Transcript.AppendTurn(t); err != nil {
			s.logger.Warn("transcript append: %v", err)
		}
	}
	return t
}

func (s *Session) postTurn(ctx context.Context, speaker proto.Speaker, text, pasteID string) {
	t := s.recordTurn(proto.TurnRecord{Speaker: speaker, Text: text, PasteID: pasteID})
	if err := s.deps.Bridge.PostTranscript(ctx, t); err != nil {
		s.logger.Warn("post transcript: %v", err)
	}
}

// recordDiscarded logs a reply that must never be shown, tagged with its discard marker.
func (s *Session) recordDiscarded(_ context.Context, p arbiter.Pending, text, pasteID string) {
	marker := p.Marker()
	s.logger.Info("🗑️ dropping %s reply %s (%s)", p.Reason, p.ID, marker)
	s.deps.Recorder.IncDiscardedReply(marker)
	s.recordTurn(proto.TurnRecord{Speaker: proto.SpeakerAssistant, Text: text, PasteID: pasteID, Tag: marker})
}

func (s *Session) notify(ctx context.Context, text string) {
	if err := s.deps.Bridge.PostNotice(ctx, text); err != nil {
		s.logger.Warn("post notice: %v", err)
	}
}

func (s *Session) publishTransitions(ctx context.Context) {
	history := s.machine.History()
	for _, t := range history[s.published:] {
		if err := s.deps.Bridge.PostStage(ctx, t.To); err != nil {
			s.logger.Warn("post stage: %v", err)
		}
		if s.deps.Transcript != nil {
			if err := s.deps.Transcript.AppendTransition(s.info.ID, t.From, t.To, t.Cause); err != nil {
				s.logger.Warn("transcript append: %v", err)
			}
		}
	}
	if len(history) > s.published {
		s.published = len(history)
		s.saveSession(persistence.SessionStatusActive, nil)
	}
}

func (s *Session) saveSession(status string, endedAt *time.Time) {
	if s.deps.Sink == nil {
		return
	}
	if s.finished && status == persistence.SessionStatusActive {
		return
	}
	assessment, _ := json.Marshal(s.assessment)
	s.deps.Sink.SaveSession(persistence.SessionRecord{
		ID:         s.info.ID,
		Company:    s.info.Company,
		Role:       s.info.Role,
		Candidate:  s.info.Candidate,
		Stage:      s.machine.Stage(),
		Status:     status,
		Assessment: assessment,
		StartedAt:  s.startedAt,
		EndedAt:    endedAt,
	})
}

func (s *Session) refreshSnapshot() {
	snap := Snapshot{
		Info:          s.info,
		StartedAt:     s.startedAt,
		Stage:         s.machine.Stage(),
		Confidence:    s.assessment.Confidence,
		QuestionCount: s.assessment.QuestionCount,
		Transitioned:  s.assessment.Transitioned,
		PasteOpen:     s.paste != nil,
	}
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
}

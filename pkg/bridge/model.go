package bridge

import (
	"context"
	"sync"

	"interviewer/pkg/llm"
	"interviewer/pkg/logx"
	"interviewer/pkg/metrics"
	"interviewer/pkg/proto"
)

// ModelBridge generates replies with an LLM client and renders accepted turns to an Output.
// Only posted turns and injected instructions enter the model context, so a reply that the
// session discards never influences later replies.
type ModelBridge struct {
	client    llm.LLMClient
	output    Output
	sink      Sink
	logger    *logx.Logger
	cancel    context.CancelFunc
	sessionID string
	messages  []llm.CompletionMessage
	inFlight  string
	wg        sync.WaitGroup
	mu        sync.Mutex
	maxTokens int
}

// NewModelBridge creates a bridge whose context starts with systemPrompt.
func NewModelBridge(sessionID string, client llm.LLMClient, systemPrompt string, output Output, maxTokens int) *ModelBridge {
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	return &ModelBridge{
		client:    client,
		output:    output,
		sessionID: sessionID,
		logger:    logx.NewLogger("bridge").With(sessionID),
		messages:  []llm.CompletionMessage{llm.NewSystemMessage(systemPrompt)},
		maxTokens: maxTokens,
	}
}

// SetSink sets where replies are delivered. It must be called before the first request.
func (b *ModelBridge) SetSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// InjectSystemMessage implements Bridge. Instructions are sent in the user role so they keep
// their position in the conversation; the system prompt tells the model how to treat them.
func (b *ModelBridge) InjectSystemMessage(_ context.Context, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, llm.NewUserMessage(text))
	return nil
}

// RequestResponse implements Bridge.
func (b *ModelBridge) RequestResponse(ctx context.Context, req ResponseRequest) error {
	b.mu.Lock()
	snapshot := make([]llm.CompletionMessage, len(b.messages))
	copy(snapshot, b.messages)
	callCtx, cancel := context.WithCancel(metrics.WithPurpose(metrics.WithSession(context.WithoutCancel(ctx), b.sessionID), string(req.Reason)))
	b.cancel = cancel
	b.inFlight = req.ID
	sink := b.sink
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()

		request := llm.NewCompletionRequest(snapshot)
		request.MaxTokens = b.maxTokens
		resp, err := b.client.Complete(callCtx, request)

		b.mu.Lock()
		if b.inFlight == req.ID {
			b.inFlight = ""
			b.cancel = nil
		}
		b.mu.Unlock()

		if err != nil {
			b.logger.Warn("reply %s (%s) failed: %v", req.ID, req.Reason, err)
		}
		if sink != nil {
			sink(proto.AssistantFinal{ReplyID: req.ID, Text: resp.Content, Err: err})
		}
	}()
	return nil
}

// CancelInFlightResponse implements Bridge.
func (b *ModelBridge) CancelInFlightResponse(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.logger.Debug("cancelling in-flight reply %s", b.inFlight)
		b.cancel()
		b.cancel = nil
		b.inFlight = ""
	}
	return nil
}

// PostTranscript implements Bridge. Paste sub-dialogue turns are shown but kept out of the
// main model context.
func (b *ModelBridge) PostTranscript(_ context.Context, turn proto.TurnRecord) error {
	if !turn.Visible() {
		return nil
	}
	if turn.PasteID == "" {
		b.mu.Lock()
		if turn.Speaker == proto.SpeakerAssistant {
			b.messages = append(b.messages, llm.NewAssistantMessage(turn.Text))
		} else {
			b.messages = append(b.messages, llm.NewUserMessage(turn.Text))
		}
		b.mu.Unlock()
	}
	if b.output != nil {
		b.output.ShowTurn(turn)
	}
	return nil
}

// PostStage implements Bridge.
func (b *ModelBridge) PostStage(_ context.Context, stage proto.Stage) error {
	if b.output != nil {
		b.output.ShowStage(stage)
	}
	return nil
}

// PostNotice implements Bridge.
func (b *ModelBridge) PostNotice(_ context.Context, text string) error {
	if b.output != nil {
		b.output.ShowNotice(text)
	}
	return nil
}

// Messages returns a copy of the model context.
func (b *ModelBridge) Messages() []llm.CompletionMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]llm.CompletionMessage, len(b.messages))
	copy(out, b.messages)
	return out
}

// Wait blocks until every requested reply has been delivered.
func (b *ModelBridge) Wait() {
	b.wg.Wait()
}

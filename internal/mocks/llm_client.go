package mocks

import (
	"context"
	"sync"

	"interviewer/pkg/llm"
)

// MockLLMClient implements llm.LLMClient for testing.
type MockLLMClient struct {
	// CompleteFunc is called when Complete is invoked.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)

	modelName     string
	completeCalls []llm.CompletionRequest
	mu            sync.Mutex
}

// NewMockLLMClient creates a mock that answers every call with "Mock response".
func NewMockLLMClient() *MockLLMClient {
	m := &MockLLMClient{modelName: "mock-model"}
	m.RespondWith("Mock response")
	return m
}

// Complete implements llm.LLMClient.
func (m *MockLLMClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	m.completeCalls = append(m.completeCalls, req)
	fn := m.CompleteFunc
	m.mu.Unlock()
	return fn(ctx, req)
}

// GetModelName implements llm.LLMClient.
func (m *MockLLMClient) GetModelName() string {
	return m.modelName
}

// SetModelName sets the model name returned by GetModelName.
func (m *MockLLMClient) SetModelName(name string) {
	m.modelName = name
}

// Calls returns a copy of every request seen so far.
func (m *MockLLMClient) Calls() []llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.CompletionRequest, len(m.completeCalls))
	copy(out, m.completeCalls)
	return out
}

// CallCount returns the number of Complete calls.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completeCalls)
}

// OnComplete sets a custom handler for Complete calls.
func (m *MockLLMClient) OnComplete(fn func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteFunc = fn
}

// FailCompleteWith configures Complete to return err.
func (m *MockLLMClient) FailCompleteWith(err error) {
	m.OnComplete(func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{}, err
	})
}

// RespondWith configures Complete to return content.
func (m *MockLLMClient) RespondWith(content string) {
	m.OnComplete(func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: content, StopReason: "end_turn"}, nil
	})
}

// RespondWithSequence returns the given contents in order, repeating the last one.
func (m *MockLLMClient) RespondWithSequence(contents ...string) {
	var (
		mu  sync.Mutex
		idx int
	)
	m.OnComplete(func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		content := contents[len(contents)-1]
		if idx < len(contents) {
			content = contents[idx]
			idx++
		}
		return llm.CompletionResponse{Content: content, StopReason: "end_turn"}, nil
	})
}

// BlockUntil makes Complete wait for release (or ctx) before answering with content.
func (m *MockLLMClient) BlockUntil(release <-chan struct{}, content string) {
	m.OnComplete(func(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		select {
		case <-release:
			return llm.CompletionResponse{Content: content, StopReason: "end_turn"}, nil
		case <-ctx.Done():
			return llm.CompletionResponse{}, ctx.Err()
		}
	})
}

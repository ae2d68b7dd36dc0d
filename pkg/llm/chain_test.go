package llm

import (
	"context"
	"testing"
)

type stubClient struct {
	content string
}

func (s stubClient) Complete(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
	return CompletionResponse{Content: s.content}, nil
}

func (s stubClient) GetModelName() string { return "stub-model" }

func tagMiddleware(tag string, order *[]string) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				*order = append(*order, tag)
				resp, err := next.Complete(ctx, req)
				resp.Content = tag + "(" + resp.Content + ")"
				return resp, err
			},
			next.GetModelName,
		)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	client := Chain(stubClient{content: "base"},
		tagMiddleware("outer", &order),
		tagMiddleware("inner", &order),
	)

	resp, err := client.Complete(context.Background(), NewCompletionRequest([]CompletionMessage{NewUserMessage("hi")}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "outer(inner(base))" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("unexpected call order %v", order)
	}
	if client.GetModelName() != "stub-model" {
		t.Errorf("model name not delegated: %q", client.GetModelName())
	}
}

func TestChainWithoutMiddleware(t *testing.T) {
	base := stubClient{content: "plain"}
	if got := Chain(base); got != LLMClient(base) {
		t.Error("expected base client back when no middleware is given")
	}
}

func TestSplitSystem(t *testing.T) {
	system, rest := SplitSystem([]CompletionMessage{
		NewSystemMessage("persona"),
		NewUserMessage("hello"),
		NewSystemMessage("ask about background"),
		NewAssistantMessage("hi there"),
	})
	if system != "persona\n\nask about background" {
		t.Errorf("unexpected system prompt %q", system)
	}
	if len(rest) != 2 || rest[0].Role != RoleUser || rest[1].Role != RoleAssistant {
		t.Errorf("unexpected remaining messages %+v", rest)
	}
}

func TestValidate(t *testing.T) {
	req := NewCompletionRequest(nil)
	if err := req.Validate(); err == nil {
		t.Error("expected error for empty request")
	}
	req = NewCompletionRequest([]CompletionMessage{NewUserMessage("x")})
	req.Temperature = 3
	if err := req.Validate(); err == nil {
		t.Error("expected error for temperature out of range")
	}
}

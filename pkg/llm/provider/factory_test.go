package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interviewer/pkg/config"
)

func TestCreateOllamaNeedsNoKey(t *testing.T) {
	cfg := config.Default()
	cfg.Models.Conversation = "ollama:phi4"
	cfg.Models.Evaluator = "llama3.1"

	f := NewFactory(*cfg, nil)

	conv, err := f.Create(PurposeConversation)
	require.NoError(t, err)
	assert.Equal(t, "phi4", conv.GetModelName())

	eval, err := f.Create(PurposeEvaluator)
	require.NoError(t, err)
	assert.Equal(t, "llama3.1", eval.GetModelName())
}

func TestCreateFailsWithoutAPIKey(t *testing.T) {
	config.SetDecryptedSecrets(nil)
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg := config.Default()
	cfg.Models.Conversation = "claude-sonnet-4-5"

	_, err := NewFactory(*cfg, nil).Create(PurposeConversation)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestCreateUsesSecretForKey(t *testing.T) {
	config.SetDecryptedSecrets(map[string]string{"OPENAI_API_KEY": "sk-test"})
	defer config.SetDecryptedSecrets(nil)

	cfg := config.Default()
	cfg.Models.Paste = "gpt-4.1-mini"

	client, err := NewFactory(*cfg, nil).Create(PurposePaste)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1-mini", client.GetModelName())
}

func TestBreakerSharedPerProvider(t *testing.T) {
	f := NewFactory(*config.Default(), nil)
	assert.Same(t, f.breaker("anthropic"), f.breaker("anthropic"))
	assert.NotSame(t, f.breaker("anthropic"), f.breaker("google"))
}

func TestUnknownPurpose(t *testing.T) {
	_, err := NewFactory(*config.Default(), nil).Create(Purpose("nope"))
	assert.Error(t, err)
}

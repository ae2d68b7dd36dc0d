package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetModelProvider(t *testing.T) {
	tests := []struct {
		model    string
		provider string
	}{
		{"claude-sonnet-4-5", ProviderAnthropic},
		{"gpt-4.1-mini", ProviderOpenAI},
		{"o3-mini", ProviderOpenAI},
		{"gemini-2.5-flash", ProviderGoogle},
		{"ollama:phi4", ProviderOllama},
		{"llama3.1", ProviderOllama},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, err := GetModelProvider(tt.model)
			require.NoError(t, err)
			assert.Equal(t, tt.provider, got)
		})
	}

	_, err := GetModelProvider("mystery-model")
	assert.Error(t, err)
}

func TestDefaultsMatchInterviewPolicy(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 3, cfg.Interview.MinQuestions)
	assert.InDelta(t, 95.0, cfg.Interview.ConfidenceThreshold, 0)
	assert.Equal(t, 2, cfg.Interview.ZeroStreakLimit)
	assert.Equal(t, 5000, cfg.Interview.EvaluatorTimeoutMS)
	assert.Equal(t, 0, cfg.Interview.EvaluatorRetries)
	assert.InDelta(t, 70.0, cfg.Paste.MinConfidence, 0)
	assert.Equal(t, 3, cfg.Paste.MaxAnswers)
	assert.Equal(t, cfg.Models.Conversation, cfg.Models.Evaluator)
	require.NoError(t, Validate(cfg))
}

func TestLoadConfigCreatesMissingFile(t *testing.T) {
	defer SetConfigForTesting(nil)
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	require.NoError(t, LoadConfig(path))
	_, err := os.Stat(path)
	require.NoError(t, err)

	cfg, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, 8085, cfg.Server.Port)
	assert.Equal(t, filepath.Dir(path), Dir())
}

func TestLoadConfigAppliesDefaultsToPartialFile(t *testing.T) {
	defer SetConfigForTesting(nil)
	path := filepath.Join(t.TempDir(), "config.json")
	partial := `{"models":{"conversation":"gpt-4.1"},"paste":{"max_answers":5}}`
	require.NoError(t, os.WriteFile(path, []byte(partial), 0644))

	require.NoError(t, LoadConfig(path))
	cfg, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", cfg.Models.Evaluator)
	assert.Equal(t, 5, cfg.Paste.MaxAnswers)
	assert.InDelta(t, 70.0, cfg.Paste.MinConfidence, 0)
}

func TestLoadConfigRejectsUnparseableFile(t *testing.T) {
	defer SetConfigForTesting(nil)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	require.Error(t, LoadConfig(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestValidateRejectsOutOfRangeValues(t *testing.T) {
	cfg := Default()
	cfg.Interview.ConfidenceThreshold = 140
	cfg.Paste.MaxAnswers = -1
	cfg.Models.Paste = "unknown"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence_threshold")
	assert.Contains(t, err.Error(), "max_answers")
	assert.Contains(t, err.Error(), "unknown model")
}

func TestGetConfigBeforeLoad(t *testing.T) {
	SetConfigForTesting(nil)
	_, err := GetConfig()
	assert.Error(t, err)
}

func TestValidateLimits(t *testing.T) {
	cfg := Default()
	assert.Zero(t, cfg.Limits.TokensPerMinute, "limits are off by default")
	assert.Zero(t, cfg.Limits.MaxSessions)

	cfg.Limits.MaxSessions = -1
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limits")
}

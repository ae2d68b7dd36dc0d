// Package config loads the interviewer configuration into a process-wide singleton.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"interviewer/pkg/logx"
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// DefaultConfigFile is used when no path is given.
const DefaultConfigFile = "config.json"

// Global config instance with mutex protection.
//
//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config     *Config
	configPath string
	logger     *logx.Logger
	mu         sync.RWMutex
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// ProviderPattern maps a model name prefix to a provider.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns are checked in order; the explicit "ollama:" prefix comes first.
//
//nolint:gochecknoglobals // Intentional global for inference rules
var ProviderPatterns = []ProviderPattern{
	{"ollama:", ProviderOllama},
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"phi", ProviderOllama},
}

// GetModelProvider infers the API provider from a model name.
func GetModelProvider(modelName string) (string, error) {
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no provider pattern matches", modelName)
}

// ModelsConfig names the model used for each kind of call.
type ModelsConfig struct {
	Conversation   string  `json:"conversation"`
	Evaluator      string  `json:"evaluator"`
	Paste          string  `json:"paste"`
	Accountability string  `json:"accountability"`
	MaxTokens      int     `json:"max_tokens"`
	Temperature    float32 `json:"temperature"`
}

// InterviewConfig holds the background-stage policy constants.
type InterviewConfig struct {
	MinQuestions           int     `json:"min_questions"`
	ConfidenceThreshold    float64 `json:"confidence_threshold"`
	ZeroStreakLimit        int     `json:"zero_streak_limit"`
	HistoryWindowTurns     int     `json:"history_window_turns"`
	EvaluatorContextTokens int     `json:"evaluator_context_tokens"`
	MaxCorrections         int     `json:"max_corrections"`
	EvaluatorTimeoutMS     int     `json:"evaluator_timeout_ms"`
	EvaluatorRetries       int     `json:"evaluator_retries"`
}

// EvaluatorTimeout returns the evaluator call bound.
func (c InterviewConfig) EvaluatorTimeout() time.Duration {
	return time.Duration(c.EvaluatorTimeoutMS) * time.Millisecond
}

// PasteConfig holds the paste-evaluation thresholds.
type PasteConfig struct {
	MinConfidence float64 `json:"min_confidence"`
	MaxAnswers    int     `json:"max_answers"`
}

// RetryConfig defines retry behavior for conversation model calls.
type RetryConfig struct {
	MaxAttempts    int     `json:"max_attempts"`
	InitialDelayMS int     `json:"initial_delay_ms"`
	MaxDelayMS     int     `json:"max_delay_ms"`
	Multiplier     float64 `json:"multiplier"`
	Jitter         bool    `json:"jitter"`
}

// CircuitBreakerConfig defines circuit breaker behavior per provider.
type CircuitBreakerConfig struct {
	FailureThreshold int `json:"failure_threshold"`
	SuccessThreshold int `json:"success_threshold"`
	TimeoutSec       int `json:"timeout_sec"`
}

// ResilienceConfig bundles the LLM middleware settings.
type ResilienceConfig struct {
	Retry          RetryConfig          `json:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	TimeoutSec     int                  `json:"timeout_sec"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host           string   `json:"host"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	Port           int      `json:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// ScriptsConfig locates the interview scripts.
type ScriptsConfig struct {
	Dir string `json:"dir"`
}

// EventLogConfig locates the JSONL transcript logs.
type EventLogConfig struct {
	Dir string `json:"dir"`
}

// MetricsConfig controls Prometheus export and querying.
type MetricsConfig struct {
	PrometheusURL string `json:"prometheus_url"`
	Enabled       bool   `json:"enabled"`
}

// LimitsConfig bounds model usage and concurrency. Zero disables a limit.
type LimitsConfig struct {
	TokensPerMinute int `json:"tokens_per_minute"`
	MaxSessions     int `json:"max_sessions"`
}

// Config is the complete interviewer configuration.
type Config struct {
	Models     ModelsConfig     `json:"models"`
	Scripts    ScriptsConfig    `json:"scripts"`
	EventLog   EventLogConfig   `json:"event_log"`
	Database   DatabaseConfig   `json:"database"`
	Metrics    MetricsConfig    `json:"metrics"`
	OllamaHost string           `json:"ollama_host"`
	Server     ServerConfig     `json:"server"`
	Interview  InterviewConfig  `json:"interview"`
	Resilience ResilienceConfig `json:"resilience"`
	Paste      PasteConfig      `json:"paste"`
	Limits     LimitsConfig     `json:"limits"`
}

// Default returns a config with every field set to its default.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero-valued fields. Zero is never a meaningful setting for any of
// them except evaluator_retries, whose default is zero anyway.
func applyDefaults(cfg *Config) {
	m := &cfg.Models
	if m.Conversation == "" {
		m.Conversation = "claude-sonnet-4-5"
	}
	if m.Evaluator == "" {
		m.Evaluator = m.Conversation
	}
	if m.Paste == "" {
		m.Paste = m.Conversation
	}
	if m.Accountability == "" {
		m.Accountability = m.Evaluator
	}
	if m.MaxTokens == 0 {
		m.MaxTokens = 1024
	}
	if m.Temperature == 0 {
		m.Temperature = 0.6
	}

	iv := &cfg.Interview
	if iv.MinQuestions == 0 {
		iv.MinQuestions = 3
	}
	if iv.ConfidenceThreshold == 0 {
		iv.ConfidenceThreshold = 95
	}
	if iv.ZeroStreakLimit == 0 {
		iv.ZeroStreakLimit = 2
	}
	if iv.HistoryWindowTurns == 0 {
		iv.HistoryWindowTurns = 8
	}
	if iv.EvaluatorContextTokens == 0 {
		iv.EvaluatorContextTokens = 2000
	}
	if iv.MaxCorrections == 0 {
		iv.MaxCorrections = 2
	}
	if iv.EvaluatorTimeoutMS == 0 {
		iv.EvaluatorTimeoutMS = 5000
	}

	if cfg.Paste.MinConfidence == 0 {
		cfg.Paste.MinConfidence = 70
	}
	if cfg.Paste.MaxAnswers == 0 {
		cfg.Paste.MaxAnswers = 3
	}

	r := &cfg.Resilience
	if r.TimeoutSec == 0 {
		r.TimeoutSec = 60
	}
	if r.Retry.MaxAttempts == 0 {
		r.Retry = RetryConfig{MaxAttempts: 3, InitialDelayMS: 250, MaxDelayMS: 5000, Multiplier: 2.0, Jitter: true}
	}
	if r.CircuitBreaker.FailureThreshold == 0 {
		r.CircuitBreaker = CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, TimeoutSec: 30}
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8085
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "interviewer.db"
	}
	if cfg.Scripts.Dir == "" {
		cfg.Scripts.Dir = "scripts"
	}
	if cfg.EventLog.Dir == "" {
		cfg.EventLog.Dir = "logs"
	}
	if cfg.Metrics.PrometheusURL == "" {
		cfg.Metrics.PrometheusURL = "http://localhost:9090"
	}
	if cfg.OllamaHost == "" {
		cfg.OllamaHost = "http://localhost:11434"
	}
}

// Validate checks structural constraints. Provider credentials are checked when clients are built.
func Validate(cfg *Config) error {
	var errs []error
	for _, model := range []string{cfg.Models.Conversation, cfg.Models.Evaluator, cfg.Models.Paste, cfg.Models.Accountability} {
		if _, err := GetModelProvider(model); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Interview.ConfidenceThreshold < 0 || cfg.Interview.ConfidenceThreshold > 100 {
		errs = append(errs, fmt.Errorf("interview.confidence_threshold must be within [0,100] (got %v)", cfg.Interview.ConfidenceThreshold))
	}
	if cfg.Interview.MinQuestions < 1 {
		errs = append(errs, fmt.Errorf("interview.min_questions must be positive (got %d)", cfg.Interview.MinQuestions))
	}
	if cfg.Interview.ZeroStreakLimit < 1 {
		errs = append(errs, fmt.Errorf("interview.zero_streak_limit must be positive (got %d)", cfg.Interview.ZeroStreakLimit))
	}
	if cfg.Interview.EvaluatorRetries < 0 {
		errs = append(errs, fmt.Errorf("interview.evaluator_retries must not be negative"))
	}
	if cfg.Paste.MinConfidence < 0 || cfg.Paste.MinConfidence > 100 {
		errs = append(errs, fmt.Errorf("paste.min_confidence must be within [0,100] (got %v)", cfg.Paste.MinConfidence))
	}
	if cfg.Limits.TokensPerMinute < 0 || cfg.Limits.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("limits must not be negative"))
	}
	if cfg.Paste.MaxAnswers < 1 {
		errs = append(errs, fmt.Errorf("paste.max_answers must be positive (got %d)", cfg.Paste.MaxAnswers))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port))
	}
	return errors.Join(errs...)
}

// GetConfig returns a copy of the loaded config.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return *config, nil
}

// Dir returns the directory of the loaded config file; secrets live next to it.
func Dir() string {
	mu.RLock()
	defer mu.RUnlock()
	if configPath == "" {
		return "."
	}
	return filepath.Dir(configPath)
}

// SetConfigForTesting replaces the global config. Pass nil to reset.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
	if cfg == nil {
		configPath = ""
	}
}

// LoadConfig reads path into the global singleton. A missing file is created with defaults;
// an unparseable file is an error so user edits are never overwritten.
func LoadConfig(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if path == "" {
		path = DefaultConfigFile
	}
	configPath = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		getLogger().Info("📝 Config file not found, creating %s with defaults", path)
		cfg := Default()
		if err := Validate(cfg); err != nil {
			return fmt.Errorf("default config validation failed: %w", err)
		}
		if err := save(cfg, path); err != nil {
			return fmt.Errorf("failed to save initial config: %w", err)
		}
		config = cfg
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("config file exists but cannot be parsed: %w", err)
	}
	applyDefaults(&loaded)
	if err := Validate(&loaded); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	config = &loaded
	getLogger().Info("✅ Config loaded from %s", path)
	return nil
}

func save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interviewer/pkg/config"
	"interviewer/pkg/eventlog"
	"interviewer/pkg/persistence"
	"interviewer/pkg/proto"
)

// setupWorkspace writes a config whose database and logs live in a temp dir.
func setupWorkspace(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "interviewer.db")
	cfg.EventLog.Dir = filepath.Join(dir, "logs")
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, config.DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	t.Cleanup(func() { config.SetConfigForTesting(nil) })
	return path, cfg
}

func runCtl(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func seedSession(t *testing.T, cfg *config.Config, id string) {
	t.Helper()
	db, err := persistence.InitializeDatabase(cfg.Database.Path)
	require.NoError(t, err)
	defer db.Close()
	ops := persistence.NewDatabaseOperations(db)
	require.NoError(t, ops.UpsertSession(&persistence.SessionRecord{
		ID:        id,
		Company:   "Acme",
		Role:      "Backend Engineer",
		Stage:     proto.StageCodingSession,
		Status:    persistence.SessionStatusActive,
		StartedAt: time.Now().UTC(),
	}))
}

func TestUsageErrors(t *testing.T) {
	path, _ := setupWorkspace(t)

	code, _, stderr := runCtl(t, "")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Usage:")

	code, _, stderr = runCtl(t, "", "-config", path, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, `unknown command "frobnicate"`)

	code, _, stderr = runCtl(t, "", "-config", path, "show")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "usage: show <session-id>")
}

func TestSessionsAndShow(t *testing.T) {
	path, cfg := setupWorkspace(t)

	code, _, stderr := runCtl(t, "", "-config", path, "sessions")
	assert.Equal(t, 1, code, "missing database should fail")
	assert.Contains(t, stderr, "database")

	seedSession(t, cfg, "sess-1")

	code, stdout, stderr := runCtl(t, "", "-config", path, "sessions")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "sess-1")
	assert.Contains(t, stdout, "Acme / Backend Engineer")

	code, stdout, stderr = runCtl(t, "", "-config", path, "show", "sess-1")
	require.Equal(t, 0, code, stderr)
	var shown map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(stdout), &shown))
	assert.Contains(t, shown, "session")
	assert.Contains(t, shown, "checkpoints")
	assert.Contains(t, shown, "pastes")
}

func TestTranscript(t *testing.T) {
	path, cfg := setupWorkspace(t)

	w, err := eventlog.NewWriter(cfg.EventLog.Dir)
	require.NoError(t, err)
	require.NoError(t, w.AppendTransition("sess-2", proto.StageGreeting, proto.StageBackgroundQuestionPending, "greeting answered"))
	require.NoError(t, w.AppendTurn(proto.TurnRecord{
		Timestamp: time.Now(),
		SessionID: "sess-2",
		Speaker:   proto.SpeakerAssistant,
		Text:      "Tell me about a system you scaled.",
		Stage:     proto.StageBackgroundQuestionPending,
	}))
	require.NoError(t, w.AppendTurn(proto.TurnRecord{
		Timestamp: time.Now(),
		SessionID: "sess-2",
		Speaker:   proto.SpeakerAssistant,
		Text:      "Could you say more?",
		Stage:     proto.StageBackgroundQuestionPending,
		Tag:       "discarded",
	}))
	require.NoError(t, w.Close())

	code, stdout, stderr := runCtl(t, "", "-config", path, "transcript", "sess-2")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "greeting answered")
	assert.Contains(t, stdout, "Tell me about a system you scaled.")
	assert.Contains(t, stdout, "(discarded): Could you say more?")

	code, _, stderr = runCtl(t, "", "-config", path, "transcript", "nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "no transcript")
}

func TestStatsUnreachablePrometheus(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "interviewer.db")
	cfg.Metrics.PrometheusURL = "http://127.0.0.1:1"
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, config.DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	t.Cleanup(func() { config.SetConfigForTesting(nil) })

	code, _, stderr := runCtl(t, "", "-config", path, "stats")
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, stderr)
}

func TestSecretsSetAndList(t *testing.T) {
	path, _ := setupWorkspace(t)
	t.Setenv(config.PasswordEnvVar, "hunter2")

	code, stdout, _ := runCtl(t, "", "-config", path, "secrets", "list")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "No secrets file.")

	code, stdout, stderr := runCtl(t, "sk-test-123\n", "-config", path, "secrets", "set", "ANTHROPIC_API_KEY")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "ANTHROPIC_API_KEY")

	code, _, stderr = runCtl(t, "sk-openai\n", "-config", path, "secrets", "set", "OPENAI_API_KEY")
	require.Equal(t, 0, code, stderr)

	code, stdout, stderr = runCtl(t, "", "-config", path, "secrets", "list")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "ANTHROPIC_API_KEY\nOPENAI_API_KEY\n", stdout)

	secrets, err := config.DecryptSecretsFile(filepath.Dir(path), "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", secrets["ANTHROPIC_API_KEY"])

	code, _, stderr = runCtl(t, "\n", "-config", path, "secrets", "set", "EMPTY")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "empty value")
}

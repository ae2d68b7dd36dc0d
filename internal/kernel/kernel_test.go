package kernel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"interviewer/internal/mocks"
	"interviewer/pkg/config"
	"interviewer/pkg/eventlog"
	"interviewer/pkg/interview"
	"interviewer/pkg/llm"
	"interviewer/pkg/llm/provider"
	"interviewer/pkg/persistence"
	"interviewer/pkg/proto"
	"interviewer/pkg/script"
)

type mockClients struct {
	client *mocks.MockLLMClient
}

func (m mockClients) Create(provider.Purpose) (llm.LLMClient, error) {
	return m.client, nil
}

// createTestConfig creates a config whose files all live under dir.
func createTestConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "data", "interviewer.db")
	cfg.EventLog.Dir = filepath.Join(dir, "logs")
	cfg.Scripts.Dir = filepath.Join(dir, "scripts")
	cfg.Metrics.Enabled = true
	return cfg
}

func testOptions() Options {
	client := mocks.NewMockLLMClient()
	client.RespondWith("Thank you for joining us today.")
	return Options{
		Scripts: script.Static{script.Key("Acme", "Backend Engineer"): {
			Company:            "Acme",
			Role:               "Backend Engineer",
			BackgroundQuestion: "Tell me about a system you scaled.",
			CodingChallenge:    "Implement an LRU cache.",
		}},
		Clients:  mockClients{client: client},
		Password: "test",
	}
}

func TestKernelLifecycle(t *testing.T) {
	cfg := createTestConfig(t.TempDir())
	k, err := NewKernel(context.Background(), cfg, testOptions())
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}

	if k.Database == nil {
		t.Error("Kernel database is nil")
	}
	if k.PersistenceChannel == nil {
		t.Error("Kernel persistence channel is nil")
	}
	if k.Registry == nil {
		t.Error("Kernel metrics registry is nil with metrics enabled")
	}
	if k.EventLog == nil {
		t.Error("Kernel transcript log is nil")
	}
	if k.Manager == nil || k.Server == nil {
		t.Fatal("Kernel manager or server is nil")
	}

	if err := k.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := k.Start(); err == nil {
		t.Error("Expected error starting kernel twice")
	}
	if err := k.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if k.Context().Err() == nil {
		t.Error("Kernel context should be cancelled after Stop")
	}
	if err := k.Stop(); err != nil {
		t.Errorf("Second Stop should be a no-op, got %v", err)
	}
}

func TestKernelPersistsInterview(t *testing.T) {
	cfg := createTestConfig(t.TempDir())
	k, err := NewKernel(context.Background(), cfg, testOptions())
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	if err := k.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s, err := k.Manager.Create(k.Context(), interview.Info{Company: "Acme", Role: "Backend Engineer", Candidate: "Sam"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	s.Submit(proto.CapSignal{Reason: "time_limit"})
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Session did not finish")
	}
	if err := k.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	db, err := persistence.InitializeDatabase(cfg.Database.Path)
	if err != nil {
		t.Fatalf("Reopen database failed: %v", err)
	}
	defer db.Close()
	ops := persistence.NewDatabaseOperations(db)

	rec, err := ops.GetSession(s.ID())
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rec.Status != persistence.SessionStatusCompleted {
		t.Errorf("Expected status %s, got %s", persistence.SessionStatusCompleted, rec.Status)
	}
	if rec.Stage != proto.StageConcluded {
		t.Errorf("Expected stage %s, got %s", proto.StageConcluded, rec.Stage)
	}
	turns, err := ops.GetTurns(s.ID())
	if err != nil {
		t.Fatalf("GetTurns failed: %v", err)
	}
	if len(turns) == 0 {
		t.Error("Expected persisted turns")
	}

	entries, err := eventlog.Transcript(cfg.EventLog.Dir, s.ID())
	if err != nil {
		t.Fatalf("Transcript failed: %v", err)
	}
	if len(entries) == 0 {
		t.Error("Expected transcript entries")
	}
}

func TestKernelMarksStaleSessions(t *testing.T) {
	cfg := createTestConfig(t.TempDir())
	cfg.Metrics.Enabled = false

	k, err := NewKernel(context.Background(), cfg, testOptions())
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	ops := persistence.NewDatabaseOperations(k.Database)
	stale := &persistence.SessionRecord{
		ID:        "stale",
		Company:   "Acme",
		Role:      "Backend Engineer",
		Stage:     proto.StageBackgroundAnswered,
		Status:    persistence.SessionStatusActive,
		StartedAt: time.Now().UTC(),
	}
	if err := ops.UpsertSession(stale); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	if err := k.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = k.Stop() }()

	got, err := ops.GetSession("stale")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != persistence.SessionStatusCrashed {
		t.Errorf("Expected stale session to be marked %s, got %s", persistence.SessionStatusCrashed, got.Status)
	}
	if k.Registry != nil {
		t.Error("Registry should be nil with metrics disabled")
	}
}

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interviewer/internal/mocks"
	"interviewer/pkg/interview"
	"interviewer/pkg/llm"
	"interviewer/pkg/llm/provider"
	"interviewer/pkg/metrics"
	"interviewer/pkg/proto"
	"interviewer/pkg/script"
)

const testPassword = "s3cret"

type oneClient struct {
	client *mocks.MockLLMClient
}

func (c oneClient) Create(provider.Purpose) (llm.LLMClient, error) {
	return c.client, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	client := mocks.NewMockLLMClient()
	client.RespondWith("Hello and welcome to Acme.")

	reg := prometheus.NewRegistry()
	m, err := interview.NewManager(interview.ManagerOptions{
		Scripts: script.Static{script.Key("Acme", "Backend Engineer"): {
			Company:            "Acme",
			Role:               "Backend Engineer",
			BackgroundQuestion: "Tell me about a system you scaled.",
			CodingChallenge:    "Implement an LRU cache.",
		}},
		Clients:  oneClient{client: client},
		Recorder: metrics.NewPrometheusRecorder(reg),
		Settings: interview.DefaultSettings(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := New(ctx, m, Options{Gatherer: reg, Password: testPassword, EventLogDir: t.TempDir()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
		m.Wait()
	})
	return ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/interview?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads frames until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(ServerFrame) bool) []ServerFrame {
	t.Helper()
	var seen []ServerFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f ServerFrame
		require.NoError(t, conn.ReadJSON(&f), "frames so far: %+v", seen)
		seen = append(seen, f)
		if match(f) {
			return seen
		}
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestAPIRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name     string
		user     string
		password string
		want     int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong password", AuthUser, "nope", http.StatusUnauthorized},
		{"wrong user", "admin", testPassword, http.StatusUnauthorized},
		{"valid", AuthUser, testPassword, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/sessions", nil)
			require.NoError(t, err)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.password)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestTranscriptNotFound(t *testing.T) {
	ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/sessions/missing/transcript", nil)
	require.NoError(t, err)
	req.SetBasicAuth(AuthUser, testPassword)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "interview_active_sessions")
}

func TestInterviewRequiresCompanyAndRole(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/ws/interview?company=Acme")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInterviewOverWebSocket(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, "company=Acme&role=Backend+Engineer&candidate=Sam")

	frames := readUntil(t, conn, func(f ServerFrame) bool {
		return f.Type == FrameTurn && f.Turn != nil && f.Turn.Speaker == proto.SpeakerAssistant
	})
	var sessionID string
	for _, f := range frames {
		if f.Type == FrameSession {
			sessionID = f.SessionID
		}
	}
	greeting := frames[len(frames)-1].Turn
	assert.Equal(t, "Hello and welcome to Acme.", greeting.Text)
	assert.Equal(t, proto.StageGreeting, greeting.Stage)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameUserFinal, Text: "Hi!"}))
	readUntil(t, conn, func(f ServerFrame) bool {
		return f.Type == FrameTurn && f.Turn.Speaker == proto.SpeakerUser && f.Turn.Text == "Hi!"
	})

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameEnd}))
	frames = readUntil(t, conn, func(f ServerFrame) bool {
		return f.Type == FrameStage && f.Stage == proto.StageConcluded
	})
	if sessionID == "" {
		for _, f := range frames {
			if f.Type == FrameSession {
				sessionID = f.SessionID
			}
		}
	}
	assert.NotEmpty(t, sessionID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f ServerFrame
		if err := conn.ReadJSON(&f); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
	}
}

func TestUnknownScriptSendsNotice(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, "company=Initech&role=Intern")

	frames := readUntil(t, conn, func(f ServerFrame) bool { return f.Type == FrameNotice })
	notice := frames[len(frames)-1]
	assert.Equal(t, noticeStartFailed, notice.Text)
	assert.NotContains(t, notice.Text, "Initech")
}

func TestClientFrameEvent(t *testing.T) {
	tests := []struct {
		frame ClientFrame
		want  proto.Event
		ok    bool
	}{
		{ClientFrame{Type: FrameUserFinal, Text: "hello"}, proto.UserFinal{Text: "hello"}, true},
		{ClientFrame{Type: FramePaste, Content: "x := 1"}, proto.PasteDetected{Content: "x := 1"}, true},
		{ClientFrame{Type: FrameEnd}, proto.CapSignal{Reason: "candidate_ended"}, true},
		{ClientFrame{Type: "bogus"}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.frame.Type, func(t *testing.T) {
			got, ok := tt.frame.Event()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

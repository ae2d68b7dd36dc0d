// Package server exposes interviews over HTTP: a WebSocket endpoint per candidate, a small
// authenticated JSON API, health and Prometheus metrics.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"interviewer/pkg/bridge"
	"interviewer/pkg/eventlog"
	"interviewer/pkg/interview"
	"interviewer/pkg/limiter"
	"interviewer/pkg/logx"
	"interviewer/pkg/version"
)

const (
	// AuthUser is the basic-auth username for the API.
	AuthUser = "interviewer"

	noticeStartFailed = "We could not start the interview. Please try again later."
	noticeBusy        = "All interviewers are busy right now. Please try again in a few minutes."
	shutdownTimeout   = 10 * time.Second
)

// Sessions creates and lists interviews. *interview.Manager satisfies it.
type Sessions interface {
	Create(ctx context.Context, info interview.Info, output bridge.Output) (*interview.Session, error)
	List() []interview.Snapshot
}

// Options configures a Server.
type Options struct {
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Password protects /api; when empty the API denies every request.
	Password string
	// EventLogDir is where transcripts are read from.
	EventLogDir    string
	Addr           string
	AllowedOrigins []string
}

// Server is the HTTP front end.
type Server struct {
	ctx      context.Context //nolint:containedctx // sessions outlive the upgrade request
	sessions Sessions
	router   chi.Router
	upgrader websocket.Upgrader
	logger   *logx.Logger
	opts     Options
}

// New creates a server. Sessions started through it run under ctx.
func New(ctx context.Context, sessions Sessions, opts Options) *Server {
	s := &Server{
		ctx:      ctx,
		sessions: sessions,
		logger:   logx.NewLogger("server"),
		opts:     opts,
	}
	s.upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}
	if len(opts.AllowedOrigins) > 0 {
		s.upgrader.CheckOrigin = s.checkOrigin
	}
	s.router = s.routes()
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.opts.AllowedOrigins, "*") || slices.Contains(s.opts.AllowedOrigins, origin)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/ws/interview", s.handleInterview)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{id}/transcript", s.handleTranscript)
	})
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("🌐 listening on %s", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("server shutdown: %v", err)
		}
		return nil
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("%s %s (%s) %s", r.Method, r.URL.Path, middleware.GetReqID(r.Context()), time.Since(start))
	})
}

// requireAuth wraps the API with basic authentication.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if s.opts.Password == "" || !ok ||
			username != AuthUser ||
			subtle.ConstantTimeCompare([]byte(password), []byte(s.opts.Password)) != 1 {
			if ok {
				s.logger.Warn("failed authentication attempt from %s (username: %s)", r.RemoteAddr, username)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="interviewer"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         version.Version,
		"active_sessions": len(s.sessions.List()),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.opts.EventLogDir == "" {
		http.Error(w, "transcripts are not enabled", http.StatusNotFound)
		return
	}
	entries, err := eventlog.Transcript(s.opts.EventLogDir, id)
	if err != nil {
		s.logger.Error("read transcript %s: %v", id, err)
		http.Error(w, "failed to read transcript", http.StatusInternalServerError)
		return
	}
	if len(entries) == 0 {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// handleInterview upgrades to a WebSocket and runs one interview over it. The interview ends
// when the session concludes or the client disconnects.
func (s *Server) handleInterview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	info := interview.Info{
		Company:   q.Get("company"),
		Role:      q.Get("role"),
		Candidate: q.Get("candidate"),
	}
	if info.Company == "" || info.Role == "" {
		http.Error(w, "company and role are required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	out := newConnOutput(conn, s.logger)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	sess, err := s.sessions.Create(ctx, info, out)
	if err != nil {
		notice := noticeStartFailed
		if errors.Is(err, limiter.ErrSessionLimit) {
			notice = noticeBusy
		}
		s.logger.Error("❌ could not start interview for %s/%s: %v", info.Company, info.Role, err)
		out.ShowNotice(notice)
		out.close()
		return
	}
	out.send(ServerFrame{Type: FrameSession, SessionID: sess.ID()})

	go s.readLoop(conn, sess, cancel)

	<-sess.Done()
	out.close()
}

// readLoop forwards client frames to the session until the connection fails.
func (s *Server) readLoop(conn *websocket.Conn, sess *interview.Session, cancel context.CancelFunc) {
	defer cancel()
	for {
		var f ClientFrame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("session %s: websocket read: %v", sess.ID(), err)
			}
			return
		}
		ev, ok := f.Event()
		if !ok {
			s.logger.Warn("session %s: unknown frame type %q", sess.ID(), f.Type)
			continue
		}
		sess.Submit(ev)
	}
}

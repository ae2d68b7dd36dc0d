// Package kernel wires the interviewer's shared infrastructure: database and persistence
// worker, metrics, transcript log, model clients, the session manager and the HTTP server.
package kernel

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"interviewer/pkg/config"
	"interviewer/pkg/eventlog"
	"interviewer/pkg/interview"
	"interviewer/pkg/limiter"
	"interviewer/pkg/llm/provider"
	"interviewer/pkg/logx"
	"interviewer/pkg/metrics"
	"interviewer/pkg/persistence"
	"interviewer/pkg/script"
	"interviewer/pkg/server"
)

const (
	persistenceQueueSize = 100
	drainTimeout         = 30 * time.Second
	sessionStopTimeout   = 15 * time.Second
)

// Options override parts of the kernel. Zero values select the configured defaults.
type Options struct {
	Scripts script.Source
	Clients interview.ClientFactory
	// Password protects the HTTP API.
	Password string
}

// Kernel owns the lifecycle of every shared component.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // Required for kernel lifecycle management
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Database              *sql.DB
	PersistenceChannel    chan *persistence.Request
	persistenceWorkerDone chan struct{} // closed when the worker has drained the queue
	Registry              *prometheus.Registry
	Recorder              metrics.Recorder
	Limiter               *limiter.Limiter
	EventLog              *eventlog.Writer
	Manager               *interview.Manager
	Server                *server.Server

	running bool
}

// NewKernel creates a kernel. Nothing runs until Start.
func NewKernel(parent context.Context, cfg *config.Config, opts Options) (*Kernel, error) {
	ctx, cancel := context.WithCancel(parent)
	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
	}
	if err := k.initializeServices(opts); err != nil {
		cancel()
		k.closeResources()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices(opts Options) error {
	if err := k.initializeDatabase(); err != nil {
		return err
	}

	k.Recorder = metrics.Nop()
	if k.Config.Metrics.Enabled {
		k.Registry = prometheus.NewRegistry()
		k.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		k.Recorder = metrics.NewPrometheusRecorder(k.Registry)
	}

	var transcript interview.Transcript
	if dir := k.Config.EventLog.Dir; dir != "" {
		w, err := eventlog.NewWriter(dir)
		if err != nil {
			return fmt.Errorf("failed to open transcript log: %w", err)
		}
		k.EventLog = w
		transcript = w
	}

	k.Limiter = limiter.NewLimiter(k.Config.Limits)

	scripts := opts.Scripts
	if scripts == nil {
		scripts = script.NewFileSource(k.Config.Scripts.Dir)
	}
	clients := opts.Clients
	if clients == nil {
		clients = provider.NewFactory(*k.Config, k.Recorder).WithLimiter(k.Limiter)
	}

	var err error
	k.Manager, err = interview.NewManager(interview.ManagerOptions{
		Scripts:    scripts,
		Clients:    clients,
		Sink:       persistence.NewWriter(k.PersistenceChannel),
		Transcript: transcript,
		Recorder:   k.Recorder,
		Evaluator:  interview.EvaluatorOptionsFromConfig(k.Config),
		Settings:   interview.SettingsFromConfig(k.Config),
		Limiter:    k.Limiter,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	srvOpts := server.Options{
		Password:       opts.Password,
		EventLogDir:    k.Config.EventLog.Dir,
		Addr:           k.Config.Server.Addr(),
		AllowedOrigins: k.Config.Server.AllowedOrigins,
	}
	if k.Registry != nil {
		srvOpts.Gatherer = k.Registry
	}
	k.Server = server.New(k.ctx, k.Manager, srvOpts)

	k.Logger.Info("Kernel services initialized successfully")
	return nil
}

// initializeDatabase opens the database and creates the persistence channel.
func (k *Kernel) initializeDatabase() error {
	dbPath := k.Config.Database.Path
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	var err error
	k.Database, err = persistence.InitializeDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	k.PersistenceChannel = make(chan *persistence.Request, persistenceQueueSize)
	k.Logger.Info("Database initialized with schema: %s", dbPath)
	return nil
}

// Context returns the kernel context; it is cancelled by Stop.
func (k *Kernel) Context() context.Context {
	return k.ctx
}

// Start begins the persistence worker and recovers from a previous crash.
func (k *Kernel) Start() error {
	if k.running {
		return fmt.Errorf("kernel already running")
	}
	k.startPersistenceWorker()
	k.markStaleSessions()
	k.running = true
	k.Logger.Info("Kernel services started successfully")
	return nil
}

// Serve runs the HTTP server until the kernel stops.
func (k *Kernel) Serve() error {
	return k.Server.ListenAndServe(k.ctx)
}

// Stop ends every session, drains pending writes and closes the database.
func (k *Kernel) Stop() error {
	if !k.running {
		k.cancel()
		k.closeResources()
		return nil
	}
	k.Logger.Info("Stopping kernel services...")

	// Cancel first so sessions stop producing writes.
	k.cancel()

	sessionsDone := make(chan struct{})
	go func() {
		k.Manager.Wait()
		close(sessionsDone)
	}()
	select {
	case <-sessionsDone:
		drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := k.DrainPersistenceQueue(drainCtx); err != nil {
			k.Logger.Warn("Persistence queue drain issue: %v", err)
		}
		drainCancel()
	case <-time.After(sessionStopTimeout):
		// Closing the channel under a live producer would panic; leave it open.
		k.Logger.Warn("⚠️ sessions did not stop within %s; skipping persistence drain", sessionStopTimeout)
	}

	k.closeResources()
	k.running = false
	k.Logger.Info("Kernel services stopped")
	return nil
}

func (k *Kernel) closeResources() {
	if k.EventLog != nil {
		if err := k.EventLog.Close(); err != nil {
			k.Logger.Error("Error closing transcript log: %v", err)
		}
	}
	if k.Database != nil {
		if err := k.Database.Close(); err != nil {
			k.Logger.Error("Error closing database: %v", err)
		}
	}
}

// DrainPersistenceQueue closes the persistence channel and waits for pending writes.
func (k *Kernel) DrainPersistenceQueue(ctx context.Context) error {
	if k.PersistenceChannel == nil {
		return nil
	}
	k.Logger.Info("Draining persistence queue...")
	close(k.PersistenceChannel)
	k.PersistenceChannel = nil

	if k.persistenceWorkerDone == nil {
		return nil
	}
	select {
	case <-k.persistenceWorkerDone:
		k.Logger.Info("Persistence queue drained successfully")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for persistence queue to drain: %w", ctx.Err())
	}
}

// markStaleSessions closes out sessions left active by a crashed run.
func (k *Kernel) markStaleSessions() {
	n, err := persistence.NewDatabaseOperations(k.Database).MarkStaleSessions()
	if err != nil {
		k.Logger.Warn("Failed to mark stale sessions: %v", err)
		return
	}
	if n > 0 {
		k.Logger.Info("Marked %d stale session(s) as crashed", n)
	}
}

// startPersistenceWorker runs the single database writer. It drains every queued request
// before signalling completion.
func (k *Kernel) startPersistenceWorker() {
	k.persistenceWorkerDone = make(chan struct{})
	ch := k.PersistenceChannel

	go func() {
		defer close(k.persistenceWorkerDone)
		k.Logger.Debug("Starting persistence worker")
		ops := persistence.NewDatabaseOperations(k.Database)
		for req := range ch {
			if req != nil {
				persistence.Process(req, ops, k.Logger)
			}
		}
		k.Logger.Info("Persistence worker finished draining queue")
	}()
}

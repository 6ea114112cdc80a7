// Package httpapi exposes the orchestrator's REST and WebSocket surface.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/marketscope/orchestrator/internal/agents"
	"github.com/marketscope/orchestrator/internal/pipeline"
	"github.com/marketscope/orchestrator/internal/progress"
	"github.com/marketscope/orchestrator/internal/protocol"
	"github.com/marketscope/orchestrator/internal/taskstore"
)

// Archiver receives finished tasks for long-term storage. It may be nil when
// archival is disabled.
type Archiver interface {
	Enqueue(task *protocol.ResearchTask)
}

// Server wires the HTTP handlers to the orchestration core.
type Server struct {
	store    *taskstore.Store
	bus      *progress.Bus
	registry *agents.Registry
	handler  *agents.Handler
	executor *pipeline.Executor
	plans    *pipeline.PlanManager
	archive  Archiver
	logger   *zap.Logger

	wsManager *ConnectionManager

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	createRPM float64
	burst     int
}

// Options bundles the server dependencies.
type Options struct {
	Store    *taskstore.Store
	Bus      *progress.Bus
	Registry *agents.Registry
	Handler  *agents.Handler
	Executor *pipeline.Executor
	Plans    *pipeline.PlanManager
	Archive  Archiver
	Logger   *zap.Logger

	CreatePerMinute int
	CreateBurst     int
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rpm := opts.CreatePerMinute
	if rpm <= 0 {
		rpm = 60
	}
	burst := opts.CreateBurst
	if burst <= 0 {
		burst = 10
	}
	return &Server{
		store:     opts.Store,
		bus:       opts.Bus,
		registry:  opts.Registry,
		handler:   opts.Handler,
		executor:  opts.Executor,
		plans:     opts.Plans,
		archive:   opts.Archive,
		logger:    logger,
		wsManager: NewConnectionManager(opts.Bus, logger),
		limiters:  make(map[string]*rate.Limiter),
		createRPM: float64(rpm),
		burst:     burst,
	}
}

// Routes returns the HTTP handler for the full API surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /a2a/research", s.handleStartResearch)
	mux.HandleFunc("GET /a2a/research/{id}/status", s.handleTaskStatus)
	mux.HandleFunc("GET /a2a/research/{id}/result", s.handleTaskResult)
	mux.HandleFunc("POST /a2a/agent/{name}/invoke", s.handleInvokeAgent)
	mux.HandleFunc("GET /a2a/agents", s.handleListAgents)
	mux.HandleFunc("GET /a2a/ws/{id}", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// allowCreate applies a per-client token bucket to task creation.
func (s *Server) allowCreate(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	limiter, ok := s.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.createRPM/60.0), s.burst)
		s.limiters[host] = limiter
	}
	return limiter.Allow()
}

// runTask executes the pipeline detached from the originating request. A Run
// error means infrastructure failed mid-flight; the task is marked failed on
// a best-effort basis so observers are not left with a task stuck in running.
func (s *Server) runTask(task *protocol.ResearchTask, plan *pipeline.Plan) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("pipeline run panicked",
				zap.String("task_id", task.TaskID),
				zap.Any("panic", r))
		}
	}()

	if err := s.executor.Run(ctx, task, plan); err != nil {
		s.logger.Error("pipeline run failed",
			zap.String("task_id", task.TaskID),
			zap.Error(err))
		task.Status = protocol.StatusFailed
		now := protocol.Now()
		task.CompletedAt = &now
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.store.Put(writeCtx, task); err != nil {
			s.logger.Error("failed to record task failure",
				zap.String("task_id", task.TaskID),
				zap.Error(err))
		}
		return
	}

	if s.archive != nil && task.Status.Terminal() {
		s.archive.Enqueue(task)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Too late to change the status; nothing else to do.
		_ = err
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"detail": fmt.Sprintf(format, args...)})
}

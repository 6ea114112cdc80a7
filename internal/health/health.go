// Package health aggregates component health checks behind liveness and
// readiness endpoints served on a dedicated port.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Checker reports whether a single component is healthy.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

const checkTimeout = 5 * time.Second

// Manager runs registered checkers and exposes the aggregate result.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers: make(map[string]Checker),
		logger:   logger,
	}
}

// Register adds a named component check. Re-registering replaces the old one.
func (m *Manager) Register(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

type componentStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// CheckAll runs every registered checker and reports per-component status.
func (m *Manager) CheckAll(ctx context.Context) (bool, map[string]componentStatus) {
	m.mu.RLock()
	checkers := make(map[string]Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	healthy := true
	results := make(map[string]componentStatus, len(checkers))
	for name, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(checkCtx)
		cancel()
		if err != nil {
			healthy = false
			results[name] = componentStatus{Healthy: false, Error: err.Error()}
			m.logger.Warn("health check failed",
				zap.String("component", name),
				zap.Error(err))
			continue
		}
		results[name] = componentStatus{Healthy: true}
	}
	return healthy, results
}

// Handler serves /healthz (liveness, always 200 while the process runs) and
// /readyz (readiness, 503 when any component check fails).
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{"status": "alive"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		healthy, results := m.CheckAll(r.Context())
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		writeStatus(w, status, map[string]interface{}{
			"ready":      healthy,
			"components": results,
		})
	})
	return mux
}

func writeStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

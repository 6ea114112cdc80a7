package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/metrics"
	"github.com/marketscope/orchestrator/internal/progress"
	"github.com/marketscope/orchestrator/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secure via proxy in prod
}

const (
	keepaliveInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

// Subscriber opens a progress event stream for a task.
type Subscriber interface {
	Subscribe(ctx context.Context, taskID string) (*progress.Subscription, error)
}

// ConnectionManager fans progress events out to the WebSocket observers of
// each task. The first observer of a task starts a relay from the progress
// bus; the last one leaving stops it.
type ConnectionManager struct {
	bus    Subscriber
	logger *zap.Logger

	mu     sync.Mutex
	conns  map[string]map[*wsConn]struct{}
	relays map[string]context.CancelFunc
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// send serializes writes; gorilla connections allow one concurrent writer.
func (c *wsConn) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) sendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func NewConnectionManager(bus Subscriber, logger *zap.Logger) *ConnectionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionManager{
		bus:    bus,
		logger: logger,
		conns:  make(map[string]map[*wsConn]struct{}),
		relays: make(map[string]context.CancelFunc),
	}
}

// Attach registers an observer and lazily starts the task's relay.
func (m *ConnectionManager) Attach(taskID string, c *wsConn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[taskID] == nil {
		m.conns[taskID] = make(map[*wsConn]struct{})
	}
	m.conns[taskID][c] = struct{}{}
	metrics.ObserversActive.Inc()

	if _, running := m.relays[taskID]; !running {
		ctx, cancel := context.WithCancel(context.Background())
		sub, err := m.bus.Subscribe(ctx, taskID)
		if err != nil {
			cancel()
			delete(m.conns[taskID], c)
			metrics.ObserversActive.Dec()
			return err
		}
		m.relays[taskID] = cancel
		go m.relay(taskID, sub)
	}
	return nil
}

// Detach removes an observer and stops the relay when none remain.
func (m *ConnectionManager) Detach(taskID string, c *wsConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.conns[taskID]
	if !ok {
		return
	}
	if _, present := set[c]; !present {
		return
	}
	delete(set, c)
	metrics.ObserversActive.Dec()
	if len(set) == 0 {
		delete(m.conns, taskID)
		if cancel, ok := m.relays[taskID]; ok {
			cancel()
			delete(m.relays, taskID)
		}
	}
}

// Count returns the number of observers attached to a task.
func (m *ConnectionManager) Count(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns[taskID])
}

func (m *ConnectionManager) relay(taskID string, sub *progress.Subscription) {
	defer sub.Close()
	for update := range sub.Events() {
		m.Broadcast(taskID, update)
	}
}

// Broadcast pushes a progress update to every observer of a task. Dead
// connections are closed and pruned as writes fail.
func (m *ConnectionManager) Broadcast(taskID string, update *protocol.ProgressUpdate) {
	raw, err := json.Marshal(update)
	if err != nil {
		return
	}
	m.mu.Lock()
	targets := make([]*wsConn, 0, len(m.conns[taskID]))
	for c := range m.conns[taskID] {
		targets = append(targets, c)
	}
	m.mu.Unlock()

	for _, c := range targets {
		if err := c.sendRaw(raw); err != nil {
			m.logger.Debug("pruning dead observer",
				zap.String("task_id", taskID),
				zap.Error(err))
			c.conn.Close()
			m.Detach(taskID, c)
			continue
		}
		metrics.ObserverEventsRelayed.Inc()
	}
}

type initialState struct {
	Type     string       `json:"type"`
	TaskID   string       `json:"task_id"`
	Status   string       `json:"status"`
	Progress float64      `json:"progress"`
	Stages   []stageState `json:"stages"`
}

type stageState struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn}
	defer conn.Close()

	// Attach before the snapshot read so no event published in between is
	// lost to this observer.
	if err := s.wsManager.Attach(taskID, c); err != nil {
		s.logger.Warn("progress subscribe failed",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}
	defer s.wsManager.Detach(taskID, c)

	// Current state snapshot so late joiners see where the task stands.
	if task, err := s.store.Get(r.Context(), taskID); err == nil {
		stages := make([]stageState, len(task.Pipeline.Stages))
		for i, st := range task.Pipeline.Stages {
			stages[i] = stageState{Name: st.Name, Status: string(st.Status)}
		}
		if err := c.send(initialState{
			Type:     "initial_state",
			TaskID:   taskID,
			Status:   string(task.Status),
			Progress: task.Pipeline.Progress(),
			Stages:   stages,
		}); err != nil {
			return
		}
	}

	// Reader pump: answer client pings, drop everything else. A read error
	// means the client went away.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "ping" {
				if err := c.send(map[string]string{"type": "pong"}); err != nil {
					return
				}
			}
		}
	}()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readerDone:
			return
		case <-ticker.C:
			if err := c.send(map[string]string{"type": "keepalive"}); err != nil {
				return
			}
		}
	}
}

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketscope/orchestrator/internal/agents"
	"github.com/marketscope/orchestrator/internal/protocol"
)

type memStore struct {
	mu   sync.Mutex
	puts int
	last *protocol.ResearchTask
	fail bool
}

func (m *memStore) Put(ctx context.Context, task *protocol.ResearchTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("redis gone")
	}
	m.puts++
	clone := *task
	m.last = &clone
	return nil
}

type memBus struct {
	mu      sync.Mutex
	updates []*protocol.ProgressUpdate
}

func (m *memBus) Publish(ctx context.Context, update *protocol.ProgressUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, update)
	return nil
}

func (m *memBus) all() []*protocol.ProgressUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*protocol.ProgressUpdate(nil), m.updates...)
}

type scriptedAgent struct {
	name string
	fn   func(input, taskCtx protocol.Payload) (protocol.Payload, error)
}

func (s *scriptedAgent) Name() string           { return s.name }
func (s *scriptedAgent) Description() string    { return "scripted" }
func (s *scriptedAgent) Capabilities() []string { return nil }
func (s *scriptedAgent) Tools() []string        { return nil }
func (s *scriptedAgent) Execute(ctx context.Context, input, taskCtx protocol.Payload) (protocol.Payload, error) {
	return s.fn(input, taskCtx)
}

func testPlan() *Plan {
	return &Plan{Stages: []PlanStage{
		{Name: "validation", Agent: "validation_agent", FatalGate: true, Timeout: Duration(time.Second)},
		{Name: "sector_identification", Agent: "sector_agent", Timeout: Duration(time.Second)},
		{Name: "competitor_discovery", Agent: "competitor_agent", Timeout: Duration(time.Second)},
		{Name: "report_generation", Agent: "report_agent", Timeout: Duration(time.Second)},
	}}
}

func newTask(plan *Plan) *protocol.ResearchTask {
	return &protocol.ResearchTask{
		TaskID:     "task-1",
		EntityName: "ACME",
		Options:    protocol.Payload{},
		Pipeline:   plan.Build(),
		Status:     protocol.StatusPending,
		CreatedAt:  protocol.Now(),
	}
}

func newExecutor(t *testing.T, reg *agents.Registry, store TaskStore, bus Publisher) *Executor {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewExecutor(reg, agents.NewHandler(logger), store, bus, logger)
}

func successAgent(name string, output protocol.Payload) agents.Agent {
	return &scriptedAgent{name: name, fn: func(input, taskCtx protocol.Payload) (protocol.Payload, error) {
		return output, nil
	}}
}

func TestRunAllStagesSucceed(t *testing.T) {
	plan := testPlan()
	reg := agents.NewRegistry()
	require.NoError(t, reg.Register(successAgent("validation_agent", protocol.Payload{"valid": true, "canonical_name": "ACME Corp"})))
	require.NoError(t, reg.Register(successAgent("sector_agent", protocol.Payload{"sector": "Technology"})))
	require.NoError(t, reg.Register(successAgent("competitor_agent", protocol.Payload{"competitors": []interface{}{}})))
	require.NoError(t, reg.Register(successAgent("report_agent", protocol.Payload{"report_markdown": "# Report"})))

	store := &memStore{}
	bus := &memBus{}
	task := newTask(plan)

	require.NoError(t, newExecutor(t, reg, store, bus).Run(context.Background(), task, plan))

	assert.Equal(t, protocol.StatusCompleted, task.Status)
	assert.Equal(t, 100.0, task.Pipeline.Progress())
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, "# Report", task.FinalResult.GetString("report_markdown", ""))
	for _, s := range task.Pipeline.Stages {
		assert.Equal(t, protocol.StatusCompleted, s.Status, s.Name)
		assert.NotNil(t, s.StartedAt, s.Name)
		assert.NotNil(t, s.CompletedAt, s.Name)
	}

	updates := bus.all()
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, "pipeline", last.StageName)
	assert.Equal(t, protocol.StatusCompleted, last.Status)
	assert.Equal(t, 100.0, last.Progress)

	// Progress never decreases across the event stream.
	prev := -1.0
	for _, u := range updates {
		assert.GreaterOrEqual(t, u.Progress, prev)
		prev = u.Progress
	}
}

func TestRunGateRejectionSkipsRemainingStages(t *testing.T) {
	plan := testPlan()
	reg := agents.NewRegistry()
	require.NoError(t, reg.Register(successAgent("validation_agent", protocol.Payload{"valid": false, "details": "no such company"})))
	touched := false
	reg.Register(&scriptedAgent{name: "sector_agent", fn: func(input, taskCtx protocol.Payload) (protocol.Payload, error) {
		touched = true
		return protocol.Payload{}, nil
	}})
	require.NoError(t, reg.Register(successAgent("competitor_agent", protocol.Payload{})))
	require.NoError(t, reg.Register(successAgent("report_agent", protocol.Payload{})))

	store := &memStore{}
	bus := &memBus{}
	task := newTask(plan)

	require.NoError(t, newExecutor(t, reg, store, bus).Run(context.Background(), task, plan))

	assert.Equal(t, protocol.StatusFailed, task.Status)
	assert.False(t, touched)
	assert.Equal(t, protocol.StatusCompleted, task.Pipeline.Stages[0].Status)
	for _, s := range task.Pipeline.Stages[1:] {
		assert.Equal(t, protocol.StatusSkipped, s.Status, s.Name)
	}
	// Gate stage and skipped stages all count as done.
	assert.Equal(t, 100.0, task.Pipeline.Progress())
	require.NotNil(t, task.CompletedAt)
}

func TestRunGateFailureAbortsWithoutSkips(t *testing.T) {
	plan := testPlan()
	reg := agents.NewRegistry()
	reg.Register(&scriptedAgent{name: "validation_agent", fn: func(input, taskCtx protocol.Payload) (protocol.Payload, error) {
		return nil, errors.New("validator crashed")
	}})
	require.NoError(t, reg.Register(successAgent("sector_agent", protocol.Payload{})))
	require.NoError(t, reg.Register(successAgent("competitor_agent", protocol.Payload{})))
	require.NoError(t, reg.Register(successAgent("report_agent", protocol.Payload{})))

	store := &memStore{}
	bus := &memBus{}
	task := newTask(plan)

	require.NoError(t, newExecutor(t, reg, store, bus).Run(context.Background(), task, plan))

	assert.Equal(t, protocol.StatusFailed, task.Status)
	assert.Equal(t, protocol.StatusFailed, task.Pipeline.Stages[0].Status)
	for _, s := range task.Pipeline.Stages[1:] {
		assert.Equal(t, protocol.StatusPending, s.Status, s.Name)
	}
}

func TestRunMidPipelinePanicContinues(t *testing.T) {
	plan := testPlan()
	reg := agents.NewRegistry()
	require.NoError(t, reg.Register(successAgent("validation_agent", protocol.Payload{"valid": true})))
	reg.Register(&scriptedAgent{name: "sector_agent", fn: func(input, taskCtx protocol.Payload) (protocol.Payload, error) {
		panic("nil map write")
	}})
	require.NoError(t, reg.Register(successAgent("competitor_agent", protocol.Payload{"competitors": []interface{}{}})))
	require.NoError(t, reg.Register(successAgent("report_agent", protocol.Payload{"report_markdown": "# R"})))

	store := &memStore{}
	bus := &memBus{}
	task := newTask(plan)

	require.NoError(t, newExecutor(t, reg, store, bus).Run(context.Background(), task, plan))

	// Non-fatal stage failure: the rest of the pipeline still runs and the
	// task itself completes.
	assert.Equal(t, protocol.StatusCompleted, task.Status)
	assert.Equal(t, protocol.StatusFailed, task.Pipeline.Stages[1].Status)
	assert.Contains(t, task.Pipeline.Stages[1].Error, "panicked")
	assert.Equal(t, protocol.StatusCompleted, task.Pipeline.Stages[2].Status)
	assert.Equal(t, protocol.StatusCompleted, task.Pipeline.Stages[3].Status)
	// Three of four stages done; failed stage does not count.
	assert.Equal(t, 75.0, task.Pipeline.Progress())
}

func TestRunMissingAgentIsNonFatal(t *testing.T) {
	plan := testPlan()
	reg := agents.NewRegistry()
	require.NoError(t, reg.Register(successAgent("validation_agent", protocol.Payload{"valid": true})))
	// sector_agent deliberately unregistered.
	require.NoError(t, reg.Register(successAgent("competitor_agent", protocol.Payload{})))
	require.NoError(t, reg.Register(successAgent("report_agent", protocol.Payload{})))

	store := &memStore{}
	bus := &memBus{}
	task := newTask(plan)

	require.NoError(t, newExecutor(t, reg, store, bus).Run(context.Background(), task, plan))

	assert.Equal(t, protocol.StatusCompleted, task.Status)
	assert.Equal(t, protocol.StatusFailed, task.Pipeline.Stages[1].Status)
	assert.Contains(t, task.Pipeline.Stages[1].Error, "not found")
}

func TestRunStoreFailurePropagates(t *testing.T) {
	plan := testPlan()
	reg := agents.NewRegistry()
	require.NoError(t, reg.Register(successAgent("validation_agent", protocol.Payload{"valid": true})))

	store := &memStore{fail: true}
	bus := &memBus{}
	task := newTask(plan)

	err := newExecutor(t, reg, store, bus).Run(context.Background(), task, plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist")
}

func TestRunContextFlowsBetweenStages(t *testing.T) {
	plan := testPlan()
	reg := agents.NewRegistry()
	require.NoError(t, reg.Register(successAgent("validation_agent", protocol.Payload{"valid": true, "canonical_name": "ACME Corporation"})))
	var seenCanonical string
	reg.Register(&scriptedAgent{name: "sector_agent", fn: func(input, taskCtx protocol.Payload) (protocol.Payload, error) {
		seenCanonical = taskCtx.GetMap("validation").GetString("canonical_name", "")
		return protocol.Payload{"sector": "Technology"}, nil
	}})
	require.NoError(t, reg.Register(successAgent("competitor_agent", protocol.Payload{})))
	require.NoError(t, reg.Register(successAgent("report_agent", protocol.Payload{})))

	task := newTask(plan)
	require.NoError(t, newExecutor(t, reg, &memStore{}, &memBus{}).Run(context.Background(), task, plan))

	assert.Equal(t, "ACME Corporation", seenCanonical)
	assert.Equal(t, "Technology", task.Pipeline.Results["sector_identification"].GetString("sector", ""))
}

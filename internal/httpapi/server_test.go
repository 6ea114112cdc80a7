package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketscope/orchestrator/internal/agents"
	"github.com/marketscope/orchestrator/internal/breaker"
	"github.com/marketscope/orchestrator/internal/pipeline"
	"github.com/marketscope/orchestrator/internal/progress"
	"github.com/marketscope/orchestrator/internal/protocol"
	"github.com/marketscope/orchestrator/internal/taskstore"
)

type fixedAgent struct {
	name   string
	output protocol.Payload
	block  chan struct{}
}

func (f *fixedAgent) Name() string            { return f.name }
func (f *fixedAgent) Description() string     { return "test agent" }
func (f *fixedAgent) Capabilities() []string  { return []string{"testing"} }
func (f *fixedAgent) Tools() []string         { return nil }
func (f *fixedAgent) Execute(ctx context.Context, input, taskCtx protocol.Payload) (protocol.Payload, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.output, nil
}

type testEnv struct {
	server   *httptest.Server
	registry *agents.Registry
	store    *taskstore.Store
	mr       *miniredis.Miniredis
}

func planFile(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func newTestEnv(t *testing.T, reg *agents.Registry, planYAML string) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	wrapper := breaker.NewRedisWrapper(client, logger)

	store := taskstore.New(wrapper, time.Hour, logger)
	bus := progress.NewBus(wrapper, logger)

	plans, err := pipeline.NewPlanManager(planFile(t, planYAML), logger)
	require.NoError(t, err)

	handler := agents.NewHandler(logger)
	executor := pipeline.NewExecutor(reg, handler, store, bus, logger)

	srv := NewServer(Options{
		Store:           store,
		Bus:             bus,
		Registry:        reg,
		Handler:         handler,
		Executor:        executor,
		Plans:           plans,
		Logger:          logger,
		CreatePerMinute: 600,
		CreateBurst:     100,
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, registry: reg, store: store, mr: mr}
}

const twoStagePlan = `stages:
  - name: validation
    agent: validation_agent
    fatal_gate: true
    timeout: 5s
  - name: report_generation
    agent: report_agent
    timeout: 5s
`

func defaultRegistry(t *testing.T) *agents.Registry {
	reg := agents.NewRegistry()
	require.NoError(t, reg.Register(&fixedAgent{name: "validation_agent", output: protocol.Payload{"valid": true}}))
	require.NoError(t, reg.Register(&fixedAgent{name: "report_agent", output: protocol.Payload{"report_markdown": "# Report"}}))
	return reg
}

func startTask(t *testing.T, env *testEnv, company string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{"company_name": company})
	resp, err := http.Post(env.server.URL+"/a2a/research", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var started struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.Equal(t, "started", started.Status)
	require.NotEmpty(t, started.TaskID)
	return started.TaskID
}

func waitForStatus(t *testing.T, env *testEnv, taskID, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := env.store.Get(context.Background(), taskID)
		return err == nil && string(task.Status) == want
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStartResearchRunsPipeline(t *testing.T) {
	env := newTestEnv(t, defaultRegistry(t), twoStagePlan)
	taskID := startTask(t, env, "ACME")
	waitForStatus(t, env, taskID, "completed")

	resp, err := http.Get(env.server.URL + "/a2a/research/" + taskID + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Status   string  `json:"status"`
		Progress float64 `json:"progress"`
		Stages   []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"stages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, 100.0, status.Progress)
	require.Len(t, status.Stages, 2)
}

func TestStartResearchRequiresCompanyName(t *testing.T) {
	env := newTestEnv(t, defaultRegistry(t), twoStagePlan)

	resp, err := http.Post(env.server.URL+"/a2a/research", "application/json",
		strings.NewReader(`{"options": {}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTaskResultAfterCompletion(t *testing.T) {
	env := newTestEnv(t, defaultRegistry(t), twoStagePlan)
	taskID := startTask(t, env, "ACME")
	waitForStatus(t, env, taskID, "completed")

	resp, err := http.Get(env.server.URL + "/a2a/research/" + taskID + "/result")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Status          string                      `json:"status"`
		FinalReport     protocol.Payload            `json:"final_report"`
		PipelineResults map[string]protocol.Payload `json:"pipeline_results"`
		Duration        *float64                    `json:"duration"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, "# Report", result.FinalReport.GetString("report_markdown", ""))
	assert.Contains(t, result.PipelineResults, "validation")
	require.NotNil(t, result.Duration)
}

func TestUnknownTaskReturns404(t *testing.T) {
	env := newTestEnv(t, defaultRegistry(t), twoStagePlan)

	for _, path := range []string{"/a2a/research/no-such-task/status", "/a2a/research/no-such-task/result"} {
		resp, err := http.Get(env.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestInvokeAgentDirectly(t *testing.T) {
	env := newTestEnv(t, defaultRegistry(t), twoStagePlan)

	resp, err := http.Post(env.server.URL+"/a2a/agent/validation_agent/invoke", "application/json",
		strings.NewReader(`{"input_data": {"company_name": "ACME"}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var taskResp protocol.TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&taskResp))
	assert.Equal(t, protocol.StatusCompleted, taskResp.Status)
	assert.True(t, taskResp.Output.GetBool("valid", false))

	resp, err = http.Post(env.server.URL+"/a2a/agent/ghost_agent/invoke", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListAgents(t *testing.T) {
	env := newTestEnv(t, defaultRegistry(t), twoStagePlan)

	resp, err := http.Get(env.server.URL + "/a2a/agents")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Agents        []protocol.AgentCard `json:"agents"`
		Total         int                  `json:"total"`
		PipelineOrder []string             `json:"pipeline_order"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	assert.Equal(t, 2, listing.Total)
	assert.Equal(t, []string{"validation", "report_generation"}, listing.PipelineOrder)
	assert.Equal(t, "validation_agent", listing.Agents[0].Name)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, defaultRegistry(t), twoStagePlan)

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status         string `json:"status"`
		RedisConnected bool   `json:"redis_connected"`
		PipelineStages int    `json:"pipeline_stages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.RedisConnected)
	assert.Equal(t, 2, health.PipelineStages)
}

func wsURL(httpURL, taskID string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/a2a/ws/" + taskID
}

func TestWebSocketInitialStateAfterCompletion(t *testing.T) {
	env := newTestEnv(t, defaultRegistry(t), twoStagePlan)
	taskID := startTask(t, env, "ACME")
	waitForStatus(t, env, taskID, "completed")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.server.URL, taskID), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var state struct {
		Type     string  `json:"type"`
		Status   string  `json:"status"`
		Progress float64 `json:"progress"`
		Stages   []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"stages"`
	}
	require.NoError(t, conn.ReadJSON(&state))
	assert.Equal(t, "initial_state", state.Type)
	assert.Equal(t, "completed", state.Status)
	assert.Equal(t, 100.0, state.Progress)
	require.Len(t, state.Stages, 2)
}

func TestWebSocketPingPong(t *testing.T) {
	env := newTestEnv(t, defaultRegistry(t), twoStagePlan)
	taskID := startTask(t, env, "ACME")
	waitForStatus(t, env, taskID, "completed")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.server.URL, taskID), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var state map[string]interface{}
	require.NoError(t, conn.ReadJSON(&state)) // initial_state

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	var pong struct {
		Type string `json:"type"`
	}
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong.Type)
}

func TestWebSocketStreamsLiveProgress(t *testing.T) {
	gate := make(chan struct{})
	reg := agents.NewRegistry()
	require.NoError(t, reg.Register(&fixedAgent{name: "validation_agent", output: protocol.Payload{"valid": true}, block: gate}))
	require.NoError(t, reg.Register(&fixedAgent{name: "report_agent", output: protocol.Payload{"report_markdown": "# R"}}))
	env := newTestEnv(t, reg, twoStagePlan)

	taskID := startTask(t, env, "ACME")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.server.URL, taskID), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var state map[string]interface{}
	require.NoError(t, conn.ReadJSON(&state))
	require.Equal(t, "initial_state", state["type"])

	// Release the gated first stage; the pipeline now runs to completion
	// while we watch the event stream.
	close(gate)

	sawCompletion := false
	for i := 0; i < 10 && !sawCompletion; i++ {
		var update protocol.ProgressUpdate
		require.NoError(t, conn.ReadJSON(&update))
		assert.Equal(t, taskID, update.TaskID)
		if update.StageName == "pipeline" && update.Status == protocol.StatusCompleted {
			assert.Equal(t, 100.0, update.Progress)
			sawCompletion = true
		}
	}
	assert.True(t, sawCompletion, "expected a pipeline completion event")
}

func TestCreateRateLimit(t *testing.T) {
	logger := zaptest.NewLogger(t)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	wrapper := breaker.NewRedisWrapper(client, logger)
	store := taskstore.New(wrapper, time.Hour, logger)
	bus := progress.NewBus(wrapper, logger)
	plans, err := pipeline.NewPlanManager(planFile(t, twoStagePlan), logger)
	require.NoError(t, err)
	reg := defaultRegistry(t)
	handler := agents.NewHandler(logger)

	srv := NewServer(Options{
		Store:           store,
		Bus:             bus,
		Registry:        reg,
		Handler:         handler,
		Executor:        pipeline.NewExecutor(reg, handler, store, bus, logger),
		Plans:           plans,
		Logger:          logger,
		CreatePerMinute: 60,
		CreateBurst:     2,
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		resp, err := http.Post(ts.URL+"/a2a/research", "application/json",
			strings.NewReader(fmt.Sprintf(`{"company_name": "Burst %d"}`, i)))
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Contains(t, codes, http.StatusTooManyRequests)
	assert.Equal(t, http.StatusOK, codes[0])
}

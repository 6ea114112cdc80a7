package agents

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/metrics"
	"github.com/marketscope/orchestrator/internal/protocol"
)

// DefaultStageTimeout bounds a single agent execution when the pipeline plan
// does not set its own limit.
const DefaultStageTimeout = 120 * time.Second

// Handler executes agents and converts every outcome, including panics and
// timeouts, into a terminal TaskResponse. A worker failure never escapes to
// the caller as anything other than a failed response.
type Handler struct {
	logger *zap.Logger
}

func NewHandler(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger}
}

// Handle runs the agent against the request under the given timeout and
// returns a response whose status is always completed or failed.
func (h *Handler) Handle(ctx context.Context, agent Agent, req protocol.TaskRequest, timeout time.Duration) protocol.TaskResponse {
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	output, err := h.execute(ctx, agent, req)
	elapsed := time.Since(start).Seconds()

	resp := protocol.TaskResponse{
		TaskID:    req.TaskID,
		AgentName: agent.Name(),
		Duration:  elapsed,
		Timestamp: protocol.Now(),
	}
	if err != nil {
		resp.Status = protocol.StatusFailed
		resp.Error = err.Error()
		resp.Output = protocol.Payload{}
		metrics.AgentExecutions.WithLabelValues(agent.Name(), "failed").Inc()
		h.logger.Warn("agent execution failed",
			zap.String("agent", agent.Name()),
			zap.String("task_id", req.TaskID),
			zap.Float64("duration_seconds", elapsed),
			zap.Error(err))
		return resp
	}
	if output == nil {
		output = protocol.Payload{}
	}
	resp.Status = protocol.StatusCompleted
	resp.Output = output
	metrics.AgentExecutions.WithLabelValues(agent.Name(), "completed").Inc()
	h.logger.Info("agent execution completed",
		zap.String("agent", agent.Name()),
		zap.String("task_id", req.TaskID),
		zap.Float64("duration_seconds", elapsed))
	return resp
}

func (h *Handler) execute(ctx context.Context, agent Agent, req protocol.TaskRequest) (output protocol.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("agent %s panicked: %v", agent.Name(), r)
		}
	}()
	return agent.Execute(ctx, req.Input, req.Context)
}

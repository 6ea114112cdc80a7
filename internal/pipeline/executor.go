package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/agents"
	"github.com/marketscope/orchestrator/internal/metrics"
	"github.com/marketscope/orchestrator/internal/protocol"
	"github.com/marketscope/orchestrator/internal/tracing"
)

// TaskStore persists task state between stage transitions.
type TaskStore interface {
	Put(ctx context.Context, task *protocol.ResearchTask) error
}

// Publisher emits progress updates to observers. Publish failures are not
// fatal to the pipeline; durable state lives in the task store.
type Publisher interface {
	Publish(ctx context.Context, update *protocol.ProgressUpdate) error
}

// Executor runs a task's pipeline sequentially. Stage failures are recorded
// on the stage and the run continues unless the stage is a fatal gate;
// only infrastructure failures (task store writes) abort the run itself.
type Executor struct {
	registry *agents.Registry
	handler  *agents.Handler
	store    TaskStore
	bus      Publisher
	logger   *zap.Logger
}

func NewExecutor(registry *agents.Registry, handler *agents.Handler, store TaskStore, bus Publisher, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		registry: registry,
		handler:  handler,
		store:    store,
		bus:      bus,
		logger:   logger,
	}
}

// Run executes every stage of the task in order. The plan supplies per-stage
// timeouts; the stage list itself was frozen into the task at creation time.
func (e *Executor) Run(ctx context.Context, task *protocol.ResearchTask, plan *Plan) error {
	task.Status = protocol.StatusRunning
	if err := e.store.Put(ctx, task); err != nil {
		return fmt.Errorf("persist task start: %w", err)
	}

	taskCtx := protocol.Payload{
		"company_name": task.EntityName,
		"options":      task.Options,
	}

	for idx := range task.Pipeline.Stages {
		stage := &task.Pipeline.Stages[idx]
		task.Pipeline.CurrentStage = idx
		stage.Status = protocol.StatusRunning
		now := protocol.Now()
		stage.StartedAt = &now
		if err := e.store.Put(ctx, task); err != nil {
			return fmt.Errorf("persist stage start: %w", err)
		}
		e.sendProgress(ctx, task, stage.Name, protocol.StatusRunning,
			fmt.Sprintf("Starting stage: %s", stage.Name), nil)

		agent, err := e.registry.Resolve(stage.AgentName)
		if err != nil {
			if !errors.Is(err, agents.ErrAgentNotFound) {
				return err
			}
			if err := e.failStage(ctx, task, stage, fmt.Sprintf("agent %q not found", stage.AgentName)); err != nil {
				return err
			}
			e.sendProgress(ctx, task, stage.Name, protocol.StatusFailed,
				fmt.Sprintf("Agent not found: %s", stage.AgentName), nil)
			continue
		}

		input := protocol.Payload{"company_name": task.EntityName}
		input = input.Merge(task.Options)
		req := protocol.TaskRequest{
			TaskID:    task.TaskID,
			AgentName: agent.Name(),
			Input:     input,
			Context:   taskCtx,
		}

		stageCtx, span := tracing.StartStageSpan(ctx, task.TaskID, stage.Name, agent.Name())
		resp := e.handler.Handle(stageCtx, agent, req, plan.StageTimeout(stage.Name))
		span.End()

		stage.Duration = resp.Duration
		done := protocol.Now()
		stage.CompletedAt = &done
		metrics.StageDuration.WithLabelValues(stage.Name).Observe(resp.Duration)

		if resp.Status == protocol.StatusFailed {
			stage.Status = protocol.StatusFailed
			stage.Error = resp.Error
			metrics.StageExecutions.WithLabelValues(stage.Name, "failed").Inc()
			if err := e.store.Put(ctx, task); err != nil {
				return fmt.Errorf("persist stage failure: %w", err)
			}
			e.sendProgress(ctx, task, stage.Name, protocol.StatusFailed,
				fmt.Sprintf("Stage failed: %s - %s", stage.Name, resp.Error), nil)

			// A failed fatal gate that did not explicitly approve the
			// entity ends the whole task.
			if stage.FatalGate && !resp.Output.GetBool("valid", false) {
				e.logger.Warn("fatal gate failed, aborting pipeline",
					zap.String("task_id", task.TaskID),
					zap.String("stage", stage.Name))
				if err := e.finishTask(ctx, task, protocol.StatusFailed); err != nil {
					return err
				}
				e.sendProgress(ctx, task, stage.Name, protocol.StatusFailed,
					fmt.Sprintf("Pipeline aborted: %s failed.", stage.Name), nil)
				return nil
			}
			continue
		}

		stage.Status = protocol.StatusCompleted
		stage.Result = resp.Output
		taskCtx[stage.Name] = resp.Output
		task.Pipeline.Results[stage.Name] = resp.Output
		metrics.StageExecutions.WithLabelValues(stage.Name, "completed").Inc()

		if err := e.store.Put(ctx, task); err != nil {
			return fmt.Errorf("persist stage result: %w", err)
		}
		e.sendProgress(ctx, task, stage.Name, protocol.StatusCompleted,
			fmt.Sprintf("Completed stage: %s", stage.Name),
			protocol.Payload{"duration": resp.Duration})

		// A fatal gate that completed but explicitly rejected the entity
		// skips everything downstream and fails the task.
		if stage.FatalGate && !resp.Output.GetBool("valid", true) {
			e.logger.Warn("fatal gate rejected entity, skipping remaining stages",
				zap.String("task_id", task.TaskID),
				zap.String("stage", stage.Name),
				zap.String("entity", task.EntityName))
			for i := idx + 1; i < len(task.Pipeline.Stages); i++ {
				task.Pipeline.Stages[i].Status = protocol.StatusSkipped
			}
			if err := e.finishTask(ctx, task, protocol.StatusFailed); err != nil {
				return err
			}
			e.sendProgress(ctx, task, stage.Name, protocol.StatusFailed,
				fmt.Sprintf("Entity %q could not be validated.", task.EntityName), nil)
			return nil
		}
	}

	if n := len(task.Pipeline.Stages); n > 0 {
		task.FinalResult = task.Pipeline.Results[task.Pipeline.Stages[n-1].Name]
	}
	if err := e.finishTask(ctx, task, protocol.StatusCompleted); err != nil {
		return err
	}
	e.sendProgress(ctx, task, "pipeline", protocol.StatusCompleted,
		"Research pipeline completed successfully.",
		protocol.Payload{"total_stages": len(task.Pipeline.Stages)})
	return nil
}

func (e *Executor) failStage(ctx context.Context, task *protocol.ResearchTask, stage *protocol.PipelineStage, msg string) error {
	stage.Status = protocol.StatusFailed
	stage.Error = msg
	now := protocol.Now()
	stage.CompletedAt = &now
	metrics.StageExecutions.WithLabelValues(stage.Name, "failed").Inc()
	if err := e.store.Put(ctx, task); err != nil {
		return fmt.Errorf("persist stage failure: %w", err)
	}
	return nil
}

func (e *Executor) finishTask(ctx context.Context, task *protocol.ResearchTask, status protocol.StageStatus) error {
	task.Status = status
	now := protocol.Now()
	task.CompletedAt = &now
	metrics.TasksCompleted.WithLabelValues(string(status)).Inc()
	metrics.TaskDuration.Observe(now - task.CreatedAt)
	if err := e.store.Put(ctx, task); err != nil {
		return fmt.Errorf("persist task completion: %w", err)
	}
	return nil
}

// sendProgress publishes a fire-and-forget progress update. Failures are
// logged; observers reconcile from the task store snapshot on reconnect.
func (e *Executor) sendProgress(ctx context.Context, task *protocol.ResearchTask, stageName string, status protocol.StageStatus, message string, data protocol.Payload) {
	update := &protocol.ProgressUpdate{
		TaskID:    task.TaskID,
		StageName: stageName,
		Status:    status,
		Progress:  task.Pipeline.Progress(),
		Message:   message,
		Data:      data,
		Timestamp: protocol.Now(),
	}
	if err := e.bus.Publish(ctx, update); err != nil {
		e.logger.Warn("progress publish failed",
			zap.String("task_id", task.TaskID),
			zap.String("stage", stageName),
			zap.Error(err))
	}
}

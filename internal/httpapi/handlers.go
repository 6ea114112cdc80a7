package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/metrics"
	"github.com/marketscope/orchestrator/internal/protocol"
	"github.com/marketscope/orchestrator/internal/taskstore"
)

type researchRequest struct {
	CompanyName string           `json:"company_name"`
	TaskID      string           `json:"task_id,omitempty"`
	Options     protocol.Payload `json:"options,omitempty"`
}

type researchStartResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type stageInfo struct {
	Name     string  `json:"name"`
	Agent    string  `json:"agent"`
	Status   string  `json:"status"`
	Duration float64 `json:"duration"`
	Error    string  `json:"error,omitempty"`
}

type taskStatusResponse struct {
	TaskID       string      `json:"task_id"`
	CompanyName  string      `json:"company_name"`
	Status       string      `json:"status"`
	Progress     float64     `json:"progress"`
	CurrentStage string      `json:"current_stage"`
	Stages       []stageInfo `json:"stages"`
	CreatedAt    float64     `json:"created_at"`
	CompletedAt  *float64    `json:"completed_at,omitempty"`
}

type taskResultResponse struct {
	TaskID          string                      `json:"task_id"`
	CompanyName     string                      `json:"company_name"`
	Status          string                      `json:"status"`
	FinalReport     protocol.Payload            `json:"final_report,omitempty"`
	PipelineResults map[string]protocol.Payload `json:"pipeline_results"`
	Duration        *float64                    `json:"duration,omitempty"`
}

type agentInvokeRequest struct {
	TaskID  string           `json:"task_id,omitempty"`
	Input   protocol.Payload `json:"input_data"`
	Context protocol.Payload `json:"context"`
}

func (s *Server) handleStartResearch(w http.ResponseWriter, r *http.Request) {
	if !s.allowCreate(r) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req researchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.CompanyName == "" {
		writeError(w, http.StatusBadRequest, "company_name is required")
		return
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	options := req.Options
	if options == nil {
		options = protocol.Payload{}
	}

	plan := s.plans.Current()
	task := &protocol.ResearchTask{
		TaskID:     taskID,
		EntityName: req.CompanyName,
		Options:    options,
		Pipeline:   plan.Build(),
		Status:     protocol.StatusPending,
		CreatedAt:  protocol.Now(),
	}
	if err := s.store.Put(r.Context(), task); err != nil {
		s.logger.Error("failed to persist new task", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "task store unavailable")
		return
	}

	metrics.TasksStarted.Inc()
	go s.runTask(task, plan)

	s.logger.Info("research task started",
		zap.String("task_id", taskID),
		zap.String("company", req.CompanyName),
		zap.Int("stages", len(task.Pipeline.Stages)))

	writeJSON(w, http.StatusOK, researchStartResponse{
		TaskID: taskID,
		Status: "started",
		Message: fmt.Sprintf("Research pipeline started for '%s' with %d stages.",
			req.CompanyName, len(task.Pipeline.Stages)),
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	task, err := s.store.Get(r.Context(), taskID)
	if err != nil {
		s.taskLookupError(w, taskID, err)
		return
	}

	currentStage := ""
	if task.Pipeline.CurrentStage >= 0 && task.Pipeline.CurrentStage < len(task.Pipeline.Stages) {
		currentStage = task.Pipeline.Stages[task.Pipeline.CurrentStage].Name
	}
	stages := make([]stageInfo, len(task.Pipeline.Stages))
	for i, st := range task.Pipeline.Stages {
		stages[i] = stageInfo{
			Name:     st.Name,
			Agent:    st.AgentName,
			Status:   string(st.Status),
			Duration: st.Duration,
			Error:    st.Error,
		}
	}

	writeJSON(w, http.StatusOK, taskStatusResponse{
		TaskID:       task.TaskID,
		CompanyName:  task.EntityName,
		Status:       string(task.Status),
		Progress:     task.Pipeline.Progress(),
		CurrentStage: currentStage,
		Stages:       stages,
		CreatedAt:    task.CreatedAt,
		CompletedAt:  task.CompletedAt,
	})
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	task, err := s.store.Get(r.Context(), taskID)
	if err != nil {
		s.taskLookupError(w, taskID, err)
		return
	}

	var duration *float64
	if task.CompletedAt != nil {
		d := *task.CompletedAt - task.CreatedAt
		duration = &d
	}

	writeJSON(w, http.StatusOK, taskResultResponse{
		TaskID:          task.TaskID,
		CompanyName:     task.EntityName,
		Status:          string(task.Status),
		FinalReport:     task.FinalResult,
		PipelineResults: task.Pipeline.Results,
		Duration:        duration,
	})
}

func (s *Server) handleInvokeAgent(w http.ResponseWriter, r *http.Request) {
	agentName := r.PathValue("name")
	agent, err := s.registry.Resolve(agentName)
	if err != nil {
		writeError(w, http.StatusNotFound, "agent '%s' not found", agentName)
		return
	}

	var req agentInvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if req.Input == nil {
		req.Input = protocol.Payload{}
	}
	if req.Context == nil {
		req.Context = protocol.Payload{}
	}

	resp := s.handler.Handle(r.Context(), agent, protocol.TaskRequest{
		TaskID:    taskID,
		AgentName: agentName,
		Input:     req.Input,
		Context:   req.Context,
	}, 0)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	cards := s.registry.Cards()
	plan := s.plans.Current()
	order := make([]string, len(plan.Stages))
	for i, st := range plan.Stages {
		order[i] = st.Name
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents":         cards,
		"total":          len(cards),
		"pipeline_order": order,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	redisOK := s.store.Ping(r.Context()) == nil
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"service":         "marketscope-orchestrator",
		"agents":          len(s.registry.Cards()),
		"redis_connected": redisOK,
		"pipeline_stages": len(s.plans.Current().Stages),
	})
}

func (s *Server) taskLookupError(w http.ResponseWriter, taskID string, err error) {
	if errors.Is(err, taskstore.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task '%s' not found", taskID)
		return
	}
	s.logger.Error("task lookup failed", zap.String("task_id", taskID), zap.Error(err))
	writeError(w, http.StatusServiceUnavailable, "task store unavailable")
}

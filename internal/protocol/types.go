package protocol

import (
	"math"
	"time"
)

// StageStatus is the lifecycle state shared by stages and tasks.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusCompleted StageStatus = "completed"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s StageStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// AgentCard describes an agent's identity and capabilities for discovery.
type AgentCard struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Endpoint     string   `json:"endpoint"`
	Version      string   `json:"version"`
	Tools        []string `json:"tools"`
}

// TaskRequest is the envelope the executor hands to an agent.
type TaskRequest struct {
	TaskID    string  `json:"task_id"`
	AgentName string  `json:"agent_name"`
	Input     Payload `json:"input"`
	Context   Payload `json:"context"`
}

// TaskResponse is what comes back from every agent invocation, whether the
// agent succeeded or not.
type TaskResponse struct {
	TaskID    string      `json:"task_id"`
	AgentName string      `json:"agent_name"`
	Output    Payload     `json:"output"`
	Status    StageStatus `json:"status"`
	Duration  float64     `json:"duration"`
	Error     string      `json:"error,omitempty"`
	Timestamp float64     `json:"timestamp"`
}

// PipelineStage is one named step of a research pipeline. It is owned by the
// enclosing pipeline and mutated only by the stage executor.
type PipelineStage struct {
	Name        string      `json:"name"`
	AgentName   string      `json:"agent_name"`
	FatalGate   bool        `json:"fatal_gate"`
	Status      StageStatus `json:"status"`
	Result      Payload     `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	Duration    float64     `json:"duration"`
	StartedAt   *float64    `json:"started_at,omitempty"`
	CompletedAt *float64    `json:"completed_at,omitempty"`
}

// ResearchPipeline holds the ordered stage list; order is execution order.
type ResearchPipeline struct {
	Stages       []PipelineStage    `json:"stages"`
	CurrentStage int                `json:"current_stage"`
	Results      map[string]Payload `json:"results"`
}

// Progress returns the pipeline completion percentage, one decimal place.
// Skipped stages count as done; failed stages do not.
func (p *ResearchPipeline) Progress() float64 {
	if len(p.Stages) == 0 {
		return 0.0
	}
	done := 0
	for _, s := range p.Stages {
		if s.Status == StatusCompleted || s.Status == StatusSkipped {
			done++
		}
	}
	pct := float64(done) / float64(len(p.Stages)) * 100
	return math.Round(pct*10) / 10
}

// IsComplete reports whether every stage reached a terminal status.
func (p *ResearchPipeline) IsComplete() bool {
	for _, s := range p.Stages {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

// ResearchTask is the top-level aggregate persisted in the task store.
type ResearchTask struct {
	TaskID      string           `json:"task_id"`
	EntityName  string           `json:"entity_name"`
	Options     Payload          `json:"options"`
	Pipeline    ResearchPipeline `json:"pipeline"`
	Status      StageStatus      `json:"status"`
	CreatedAt   float64          `json:"created_at"`
	CompletedAt *float64         `json:"completed_at,omitempty"`
	FinalResult Payload          `json:"final_result,omitempty"`
}

// ProgressUpdate is an immutable fire-and-forget event on the progress bus.
type ProgressUpdate struct {
	TaskID    string      `json:"task_id"`
	StageName string      `json:"stage_name"`
	Status    StageStatus `json:"status"`
	Progress  float64     `json:"progress"`
	Message   string      `json:"message"`
	Data      Payload     `json:"data,omitempty"`
	Timestamp float64     `json:"timestamp"`
}

// Now returns the current time as a unix timestamp with sub-second precision,
// the representation used across the wire model.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Package pipeline loads research pipeline plans and executes them stage by
// stage against the agent registry.
package pipeline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/marketscope/orchestrator/internal/protocol"
)

// Duration parses YAML values like "120s" or bare integer seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// PlanStage is one step of a pipeline plan as declared in YAML.
type PlanStage struct {
	Name      string   `yaml:"name"`
	Agent     string   `yaml:"agent"`
	FatalGate bool     `yaml:"fatal_gate"`
	Timeout   Duration `yaml:"timeout"`
}

// Plan is the ordered stage list a new task is instantiated from.
type Plan struct {
	Stages []PlanStage `yaml:"stages"`
}

// Validate checks the plan is runnable: at least one stage, unique stage
// names, and an agent for every stage.
func (p *Plan) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("plan has no stages")
	}
	seen := make(map[string]bool, len(p.Stages))
	for i, s := range p.Stages {
		if s.Name == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if s.Agent == "" {
			return fmt.Errorf("stage %q has no agent", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Build instantiates a fresh pending pipeline from the plan.
func (p *Plan) Build() protocol.ResearchPipeline {
	stages := make([]protocol.PipelineStage, len(p.Stages))
	for i, s := range p.Stages {
		stages[i] = protocol.PipelineStage{
			Name:      s.Name,
			AgentName: s.Agent,
			FatalGate: s.FatalGate,
			Status:    protocol.StatusPending,
		}
	}
	return protocol.ResearchPipeline{
		Stages:  stages,
		Results: make(map[string]protocol.Payload),
	}
}

// StageTimeout returns the configured timeout for a stage name, or zero when
// the stage is unknown or has no explicit limit.
func (p *Plan) StageTimeout(name string) time.Duration {
	for _, s := range p.Stages {
		if s.Name == name {
			return time.Duration(s.Timeout)
		}
	}
	return 0
}

// LoadPlan reads and validates a pipeline plan from a YAML file.
func LoadPlan(path string) (*Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var plan Plan
	if err := yaml.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", path, err)
	}
	return &plan, nil
}

// PlanManager holds the active plan and optionally hot-reloads it when the
// file changes on disk. Reloads affect tasks created afterwards; running
// tasks keep the stage list they started with.
type PlanManager struct {
	mu      sync.RWMutex
	plan    *Plan
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
}

func NewPlanManager(path string, logger *zap.Logger) (*PlanManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	plan, err := LoadPlan(path)
	if err != nil {
		return nil, err
	}
	return &PlanManager{plan: plan, path: path, logger: logger}, nil
}

// Current returns the active plan.
func (m *PlanManager) Current() *Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plan
}

// Watch reloads the plan whenever the file is rewritten. Invalid rewrites
// are logged and ignored; the previous plan stays active.
func (m *PlanManager) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", m.path, err)
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				plan, err := LoadPlan(m.path)
				if err != nil {
					m.logger.Warn("plan reload failed, keeping previous plan",
						zap.String("path", m.path),
						zap.Error(err))
					continue
				}
				m.mu.Lock()
				m.plan = plan
				m.mu.Unlock()
				m.logger.Info("pipeline plan reloaded",
					zap.String("path", m.path),
					zap.Int("stages", len(plan.Stages)))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("plan watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (m *PlanManager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

package agents

import (
	"errors"
	"fmt"

	"github.com/marketscope/orchestrator/internal/protocol"
)

// ErrAgentNotFound is returned when a stage references an unregistered agent.
var ErrAgentNotFound = errors.New("agent not found")

// Registry holds the agents available to the pipeline. It is populated once
// at startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	byName map[string]Agent
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Agent)}
}

// Register adds an agent under its name. Registering the same name twice is
// a wiring bug and returns an error.
func (r *Registry) Register(agent Agent) error {
	name := agent.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("agent %q already registered", name)
	}
	r.byName[name] = agent
	r.order = append(r.order, name)
	return nil
}

// Resolve returns the agent registered under name.
func (r *Registry) Resolve(name string) (Agent, error) {
	agent, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return agent, nil
}

// Cards describes every registered agent in registration order.
func (r *Registry) Cards() []protocol.AgentCard {
	cards := make([]protocol.AgentCard, 0, len(r.order))
	for _, name := range r.order {
		agent := r.byName[name]
		cards = append(cards, protocol.AgentCard{
			Name:         agent.Name(),
			Description:  agent.Description(),
			Capabilities: agent.Capabilities(),
			Tools:        agent.Tools(),
		})
	}
	return cards
}

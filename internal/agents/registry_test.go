package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketscope/orchestrator/internal/protocol"
)

func noopAgent(name string) Agent {
	return &stubAgent{name: name, fn: func(ctx context.Context, input, taskCtx protocol.Payload) (protocol.Payload, error) {
		return protocol.Payload{}, nil
	}}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(noopAgent("validation_agent")))
	require.NoError(t, r.Register(noopAgent("sector_agent")))

	agent, err := r.Resolve("sector_agent")
	require.NoError(t, err)
	assert.Equal(t, "sector_agent", agent.Name())

	_, err = r.Resolve("nonexistent_agent")
	assert.True(t, errors.Is(err, ErrAgentNotFound))
	assert.Contains(t, err.Error(), "nonexistent_agent")
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(noopAgent("validation_agent")))
	assert.Error(t, r.Register(noopAgent("validation_agent")))
}

func TestRegistryCardsPreserveOrder(t *testing.T) {
	r := NewRegistry()
	names := []string{"validation_agent", "sector_agent", "competitor_agent"}
	for _, n := range names {
		require.NoError(t, r.Register(noopAgent(n)))
	}

	cards := r.Cards()
	require.Len(t, cards, len(names))
	for i, card := range cards {
		assert.Equal(t, names[i], card.Name)
	}
}

package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketscope/orchestrator/internal/protocol"
)

const planYAML = `stages:
  - name: validation
    agent: validation_agent
    fatal_gate: true
    timeout: 60s
  - name: report_generation
    agent: report_agent
    timeout: 300s
`

func writePlanFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPlan(t *testing.T) {
	plan, err := LoadPlan(writePlanFile(t, planYAML))
	require.NoError(t, err)

	require.Len(t, plan.Stages, 2)
	assert.Equal(t, "validation", plan.Stages[0].Name)
	assert.True(t, plan.Stages[0].FatalGate)
	assert.Equal(t, time.Minute, plan.StageTimeout("validation"))
	assert.False(t, plan.Stages[1].FatalGate)
	assert.Equal(t, 5*time.Minute, plan.StageTimeout("report_generation"))
	assert.Zero(t, plan.StageTimeout("unknown"))
}

func TestPlanValidation(t *testing.T) {
	cases := []struct {
		name string
		plan Plan
	}{
		{"empty", Plan{}},
		{"missing name", Plan{Stages: []PlanStage{{Agent: "a"}}}},
		{"missing agent", Plan{Stages: []PlanStage{{Name: "s"}}}},
		{"duplicate name", Plan{Stages: []PlanStage{
			{Name: "s", Agent: "a"},
			{Name: "s", Agent: "b"},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.plan.Validate())
		})
	}
}

func TestPlanBuild(t *testing.T) {
	plan, err := LoadPlan(writePlanFile(t, planYAML))
	require.NoError(t, err)

	p := plan.Build()
	require.Len(t, p.Stages, 2)
	for _, s := range p.Stages {
		assert.Equal(t, protocol.StatusPending, s.Status)
	}
	assert.Equal(t, "validation_agent", p.Stages[0].AgentName)
	assert.True(t, p.Stages[0].FatalGate)
	assert.NotNil(t, p.Results)
	assert.Equal(t, 0.0, p.Progress())
}

func TestPlanManagerReload(t *testing.T) {
	path := writePlanFile(t, planYAML)
	mgr, err := NewPlanManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer mgr.Close()
	require.NoError(t, mgr.Watch())

	assert.Len(t, mgr.Current().Stages, 2)

	updated := planYAML + `  - name: extra
    agent: trend_agent
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		return len(mgr.Current().Stages) == 3
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPlanManagerKeepsPreviousOnBadReload(t *testing.T) {
	path := writePlanFile(t, planYAML)
	mgr, err := NewPlanManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer mgr.Close()
	require.NoError(t, mgr.Watch())

	require.NoError(t, os.WriteFile(path, []byte("stages: []\n"), 0o644))

	// Invalid rewrite is ignored; the original plan stays active.
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, mgr.Current().Stages, 2)
}

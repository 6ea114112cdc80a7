package archive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketscope/orchestrator/internal/protocol"
)

func newMockWriter(t *testing.T) (*Writer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	writer := NewWriterWithDB(sqlx.NewDb(db, "postgres"), zaptest.NewLogger(t))
	t.Cleanup(func() { writer.Close() })
	return writer, mock
}

func finishedTask() *protocol.ResearchTask {
	completed := protocol.Now()
	return &protocol.ResearchTask{
		TaskID:     "task-42",
		EntityName: "ACME",
		Status:     protocol.StatusCompleted,
		CreatedAt:  completed - 12.5,
		CompletedAt: &completed,
		Pipeline: protocol.ResearchPipeline{
			Stages: []protocol.PipelineStage{
				{Name: "validation", AgentName: "validation_agent", Status: protocol.StatusCompleted},
			},
			Results: map[string]protocol.Payload{
				"validation": {"valid": true},
			},
		},
		FinalResult: protocol.Payload{"report_markdown": "# Report"},
	}
}

func TestArchiveUpsertsTask(t *testing.T) {
	writer, mock := newMockWriter(t)
	mock.ExpectExec("INSERT INTO research_tasks").
		WithArgs("task-42", "ACME", "completed", 100.0,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, writer.Archive(context.Background(), finishedTask()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveSurfacesDBError(t *testing.T) {
	writer, mock := newMockWriter(t)
	mock.ExpectExec("INSERT INTO research_tasks").
		WillReturnError(errors.New("connection refused"))

	err := writer.Archive(context.Background(), finishedTask())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task-42")
}

func TestEnqueueWritesAsynchronously(t *testing.T) {
	writer, mock := newMockWriter(t)
	mock.ExpectExec("INSERT INTO research_tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))

	writer.Enqueue(finishedTask())

	require.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLoadArchivedTask(t *testing.T) {
	writer, mock := newMockWriter(t)
	task := finishedTask()
	pipelineJSON, _ := json.Marshal(task.Pipeline)
	finalJSON, _ := json.Marshal(task.FinalResult)

	rows := sqlmock.NewRows([]string{
		"task_id", "company_name", "status", "progress",
		"pipeline", "final_result", "created_at", "completed_at",
	}).AddRow(
		"task-42", "ACME", "completed", 100.0,
		pipelineJSON, finalJSON,
		unixToTime(task.CreatedAt), unixToTime(*task.CompletedAt),
	)
	mock.ExpectQuery("SELECT (.+) FROM research_tasks WHERE task_id").
		WithArgs("task-42").
		WillReturnRows(rows)

	loaded, err := writer.Load(context.Background(), "task-42")
	require.NoError(t, err)
	assert.Equal(t, "ACME", loaded.EntityName)
	assert.Equal(t, protocol.StatusCompleted, loaded.Status)
	assert.Equal(t, "# Report", loaded.FinalResult.GetString("report_markdown", ""))
	require.Len(t, loaded.Pipeline.Stages, 1)
	assert.Equal(t, "validation", loaded.Pipeline.Stages[0].Name)
	require.NotNil(t, loaded.CompletedAt)
}

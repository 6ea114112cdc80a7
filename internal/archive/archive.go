// Package archive persists finished research tasks to Postgres for long-term
// retention. Redis holds live task state with a TTL; the archive is where
// completed research outlives it.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/metrics"
	"github.com/marketscope/orchestrator/internal/protocol"
)

const (
	queueSize    = 256
	workerCount  = 2
	writeTimeout = 10 * time.Second
)

const upsertTask = `
INSERT INTO research_tasks (
	task_id, company_name, status, progress,
	pipeline, final_result, created_at, completed_at, archived_at
) VALUES (
	:task_id, :company_name, :status, :progress,
	:pipeline, :final_result, :created_at, :completed_at, NOW()
)
ON CONFLICT (task_id) DO UPDATE SET
	status       = EXCLUDED.status,
	progress     = EXCLUDED.progress,
	pipeline     = EXCLUDED.pipeline,
	final_result = EXCLUDED.final_result,
	completed_at = EXCLUDED.completed_at,
	archived_at  = NOW()`

type taskRow struct {
	TaskID      string          `db:"task_id"`
	CompanyName string          `db:"company_name"`
	Status      string          `db:"status"`
	Progress    float64         `db:"progress"`
	Pipeline    json.RawMessage `db:"pipeline"`
	FinalResult json.RawMessage `db:"final_result"`
	CreatedAt   time.Time       `db:"created_at"`
	CompletedAt *time.Time      `db:"completed_at"`
}

// Writer archives tasks asynchronously through a buffered queue. When the
// queue is full the write happens inline so a finished task is never lost
// to backpressure.
type Writer struct {
	db     *sqlx.DB
	logger *zap.Logger

	queue chan *protocol.ResearchTask
	wg    sync.WaitGroup
	once  sync.Once
}

// NewWriter connects to Postgres and starts the background workers.
func NewWriter(dsn string, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect archive db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	w := newWriter(db, logger)
	return w, nil
}

// NewWriterWithDB wraps an existing connection, used by tests.
func NewWriterWithDB(db *sqlx.DB, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return newWriter(db, logger)
}

func newWriter(db *sqlx.DB, logger *zap.Logger) *Writer {
	w := &Writer{
		db:     db,
		logger: logger,
		queue:  make(chan *protocol.ResearchTask, queueSize),
	}
	for i := 0; i < workerCount; i++ {
		w.wg.Add(1)
		go w.worker()
	}
	return w
}

func (w *Writer) worker() {
	defer w.wg.Done()
	for task := range w.queue {
		w.write(task)
	}
}

// Enqueue schedules a task for archival. Falls back to a synchronous write
// when the queue is saturated.
func (w *Writer) Enqueue(task *protocol.ResearchTask) {
	select {
	case w.queue <- task:
	default:
		w.logger.Warn("archive queue full, writing inline",
			zap.String("task_id", task.TaskID))
		w.write(task)
	}
}

func (w *Writer) write(task *protocol.ResearchTask) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := w.Archive(ctx, task); err != nil {
		metrics.ArchiveWrites.WithLabelValues("error").Inc()
		w.logger.Error("task archive failed",
			zap.String("task_id", task.TaskID),
			zap.Error(err))
		return
	}
	metrics.ArchiveWrites.WithLabelValues("ok").Inc()
}

// Archive upserts a single task row.
func (w *Writer) Archive(ctx context.Context, task *protocol.ResearchTask) error {
	pipelineJSON, err := json.Marshal(task.Pipeline)
	if err != nil {
		return fmt.Errorf("marshal pipeline: %w", err)
	}
	finalJSON, err := json.Marshal(task.FinalResult)
	if err != nil {
		return fmt.Errorf("marshal final result: %w", err)
	}

	row := taskRow{
		TaskID:      task.TaskID,
		CompanyName: task.EntityName,
		Status:      string(task.Status),
		Progress:    task.Pipeline.Progress(),
		Pipeline:    pipelineJSON,
		FinalResult: finalJSON,
		CreatedAt:   unixToTime(task.CreatedAt),
	}
	if task.CompletedAt != nil {
		completed := unixToTime(*task.CompletedAt)
		row.CompletedAt = &completed
	}

	if _, err := w.db.NamedExecContext(ctx, upsertTask, row); err != nil {
		return fmt.Errorf("upsert task %s: %w", task.TaskID, err)
	}
	return nil
}

// Load fetches an archived task row by id.
func (w *Writer) Load(ctx context.Context, taskID string) (*protocol.ResearchTask, error) {
	var row taskRow
	err := w.db.GetContext(ctx, &row,
		`SELECT task_id, company_name, status, progress, pipeline, final_result, created_at, completed_at
		 FROM research_tasks WHERE task_id = $1`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load archived task %s: %w", taskID, err)
	}

	task := &protocol.ResearchTask{
		TaskID:     row.TaskID,
		EntityName: row.CompanyName,
		Status:     protocol.StageStatus(row.Status),
		CreatedAt:  timeToUnix(row.CreatedAt),
	}
	if row.CompletedAt != nil {
		completed := timeToUnix(*row.CompletedAt)
		task.CompletedAt = &completed
	}
	if err := json.Unmarshal(row.Pipeline, &task.Pipeline); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	if len(row.FinalResult) > 0 {
		if err := json.Unmarshal(row.FinalResult, &task.FinalResult); err != nil {
			return nil, fmt.Errorf("decode final result: %w", err)
		}
	}
	return task, nil
}

// Close drains the queue and releases the connection pool.
func (w *Writer) Close() error {
	w.once.Do(func() {
		close(w.queue)
	})
	w.wg.Wait()
	return w.db.Close()
}

func unixToTime(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

func timeToUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

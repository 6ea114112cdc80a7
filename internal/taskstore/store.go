// Package taskstore persists research task documents in Redis. A task is
// written as one JSON document under research:task:<id> with a bounded TTL;
// the store is the single source of truth for status and result queries.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/breaker"
	"github.com/marketscope/orchestrator/internal/metrics"
	"github.com/marketscope/orchestrator/internal/protocol"
)

const keyPrefix = "research:task:"

// ErrTaskNotFound is returned by Get for unknown or expired task ids.
var ErrTaskNotFound = errors.New("task not found")

// Store is a Redis-backed task document store.
type Store struct {
	client *breaker.RedisWrapper
	logger *zap.Logger
	ttl    time.Duration
}

// New creates a store over an already connected wrapped client. A zero ttl
// falls back to 24 hours, the retention window of the original system.
func New(client *breaker.RedisWrapper, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, logger: logger, ttl: ttl}
}

// Put overwrites the persisted document for task.TaskID, refreshing the TTL.
func (s *Store) Put(ctx context.Context, task *protocol.ResearchTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.TaskID, err)
	}

	if err := s.client.Set(ctx, keyPrefix+task.TaskID, data, s.ttl).Err(); err != nil {
		metrics.StoreErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("store task %s: %w", task.TaskID, err)
	}
	metrics.StoreWrites.Inc()
	return nil
}

// Get loads the task document for taskID. An unknown or expired id yields
// ErrTaskNotFound, never an empty task.
func (s *Store) Get(ctx context.Context, taskID string) (*protocol.ResearchTask, error) {
	data, err := s.client.Get(ctx, keyPrefix+taskID).Bytes()
	if err == redis.Nil {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}

	var task protocol.ResearchTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", taskID, err)
	}
	return &task, nil
}

// Delete removes the task document. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, keyPrefix+taskID).Err(); err != nil {
		metrics.StoreErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	return nil
}

// Ping verifies Redis connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

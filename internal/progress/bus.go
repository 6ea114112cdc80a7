// Package progress is the publish/subscribe notification bus for pipeline
// progress events, one Redis pub/sub channel per task. Delivery is
// best-effort: subscribers that attach late query the task store for current
// state instead of relying on replay.
package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/breaker"
	"github.com/marketscope/orchestrator/internal/metrics"
	"github.com/marketscope/orchestrator/internal/protocol"
)

const channelPrefix = "research:progress:"

// Bus publishes and subscribes progress updates through Redis pub/sub.
type Bus struct {
	client *breaker.RedisWrapper
	logger *zap.Logger
}

// NewBus creates a bus over the shared wrapped Redis client.
func NewBus(client *breaker.RedisWrapper, logger *zap.Logger) *Bus {
	return &Bus{client: client, logger: logger}
}

// Channel returns the pub/sub channel name for a task id.
func Channel(taskID string) string {
	return channelPrefix + taskID
}

// Publish sends one update to every current subscriber of the task's channel.
func (b *Bus) Publish(ctx context.Context, update *protocol.ProgressUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal progress update: %w", err)
	}

	if err := b.client.Publish(ctx, Channel(update.TaskID), data).Err(); err != nil {
		metrics.ProgressPublishErrors.Inc()
		return fmt.Errorf("publish progress for task %s: %w", update.TaskID, err)
	}
	metrics.ProgressEventsPublished.Inc()
	return nil
}

// Subscription is one live attachment to a task's progress channel.
type Subscription struct {
	pubsub *redis.PubSub
	events chan *protocol.ProgressUpdate
	logger *zap.Logger
}

// Subscribe attaches to the task's channel. Events published before the
// subscription was established are not delivered. The returned subscription
// must be closed by the caller; its event channel closes when ctx ends or
// Close is called.
func (b *Bus) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	pubsub := b.client.Client().Subscribe(ctx, Channel(taskID))

	// Force the SUBSCRIBE round trip so callers observe events published
	// after Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to task %s: %w", taskID, err)
	}

	sub := &Subscription{
		pubsub: pubsub,
		events: make(chan *protocol.ProgressUpdate, 64),
		logger: b.logger,
	}
	go sub.pump(ctx, taskID)
	return sub, nil
}

// Events yields decoded updates until the subscription closes.
func (s *Subscription) Events() <-chan *protocol.ProgressUpdate {
	return s.events
}

// Close detaches from the channel and releases the pub/sub connection.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

func (s *Subscription) pump(ctx context.Context, taskID string) {
	defer close(s.events)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var update protocol.ProgressUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				s.logger.Warn("Dropping malformed progress event",
					zap.String("task_id", taskID),
					zap.Error(err),
				)
				continue
			}
			select {
			case s.events <- &update:
			default:
				// Slow subscriber; the bus never blocks the publisher side,
				// and the store remains the source of truth.
				s.logger.Warn("Subscriber buffer full, dropping event",
					zap.String("task_id", taskID),
					zap.String("stage", update.StageName),
				)
			}
		}
	}
}

// Package broker provides the durable event transport behind the bus's
// distributed mode: a Redis stream with a consumer group, plus an in-memory
// implementation with the same contract for single-process runs and tests.
package broker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/skeinlabs/skein/pkg/log"
	"github.com/skeinlabs/skein/pkg/types"
)

const (
	streamKey     = "skein_events"
	consumerGroup = "skein_group"
	dedupTTL      = time.Hour
)

// RedisBroker publishes and consumes events on a Redis stream. Duplicate
// deliveries are detected with per-event dedup keys (SET NX with a TTL).
type RedisBroker struct {
	client       *redis.Client
	consumerName string
	logger       zerolog.Logger
}

// NewRedisBroker connects to Redis and ensures the consumer group exists.
// Each process gets a unique consumer name within the group.
func NewRedisBroker(ctx context.Context, redisURL string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	b := &RedisBroker{
		client:       client,
		consumerName: fmt.Sprintf("consumer_%d_%s", os.Getpid(), uuid.NewString()[:8]),
		logger:       log.WithComponent("broker"),
	}

	// Create the consumer group; BUSYGROUP means it already exists
	err = client.XGroupCreateMkStream(ctx, streamKey, consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		b.logger.Warn().Err(err).Msg("could not create consumer group")
	}

	b.logger.Info().Str("consumer", b.consumerName).Msg("connected to redis")
	return b, nil
}

// Publish appends the event to the stream
func (b *RedisBroker) Publish(ctx context.Context, event *types.Event) error {
	data, err := event.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{"event": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.EventID, err)
	}
	return nil
}

// Consume reads up to count new messages for this consumer. Blocks up to one
// second when the stream is empty. Each returned event carries the stream
// entry id in AckID.
func (b *RedisBroker) Consume(ctx context.Context, count int) ([]*types.Event, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: b.consumerName,
		Streams:  []string{streamKey, ">"},
		Count:    int64(count),
		Block:    time.Second,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume events: %w", err)
	}

	var events []*types.Event
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values["event"].(string)
			if !ok {
				b.logger.Error().Str("msg_id", msg.ID).Msg("malformed stream entry")
				continue
			}
			event, err := types.DecodeEvent([]byte(raw))
			if err != nil {
				b.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("failed to decode event")
				continue
			}
			event.AckID = msg.ID
			events = append(events, event)
		}
	}
	return events, nil
}

// Ack marks a stream entry as processed by this group
func (b *RedisBroker) Ack(ctx context.Context, ackID string) error {
	return b.client.XAck(ctx, streamKey, consumerGroup, ackID).Err()
}

// IsDuplicate reports whether the event id was already processed, marking it
// as processed if not. The mark expires after an hour.
func (b *RedisBroker) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	isNew, err := b.client.SetNX(ctx, "processed:"+eventID, "1", dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return !isNew, nil
}

// Close releases the Redis connection
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// MemoryBroker is the in-process fallback with the same contract
type MemoryBroker struct {
	mu        sync.Mutex
	queue     []*types.Event
	processed map[string]bool
	closed    bool
}

// NewMemoryBroker creates an empty in-memory broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{processed: make(map[string]bool)}
}

func (b *MemoryBroker) Publish(ctx context.Context, event *types.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	b.queue = append(b.queue, event)
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, count int) ([]*types.Event, error) {
	b.mu.Lock()
	n := count
	if n > len(b.queue) {
		n = len(b.queue)
	}
	events := b.queue[:n]
	b.queue = b.queue[n:]
	b.mu.Unlock()

	if len(events) == 0 {
		// Mirror the blocking read's pacing
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return events, nil
}

func (b *MemoryBroker) Ack(ctx context.Context, ackID string) error {
	return nil
}

func (b *MemoryBroker) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.processed[eventID] {
		return true, nil
	}
	b.processed[eventID] = true
	return false, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

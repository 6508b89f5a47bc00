// Package events relays committed outbox rows to subscribers outside the
// service, such as notification senders and waiting-room displays.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"wbhsms/scheduling-service/internal/store"
)

const DefaultChannel = "scheduling.events"

type Publisher interface {
	Publish(ctx context.Context, event store.OutboxEvent) error
}

type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, event store.OutboxEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// LogPublisher writes events to the log. It stands in when no broker is
// configured so the outbox offset still advances.
type LogPublisher struct {
	Logger zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, event store.OutboxEvent) error {
	p.Logger.Info().
		Str("event_id", event.EventID).
		Str("type", event.Type).
		Str("aggregate_id", event.AggregateID).
		Msg("outbox event")
	return nil
}

type Config struct {
	Name      string
	BatchSize int
	// Ephemeral keeps the offset in memory instead of relay_offsets. It starts
	// at the newest committed event, so every process sees only what happens
	// after it starts.
	Ephemeral bool
}

// Relay forwards outbox events in commit order and records how far it got.
// Delivery is at-least-once: a crash between publish and offset update
// resends the tail of the last batch.
type Relay struct {
	store     store.Store
	publisher Publisher
	name      string
	batchSize int
	ephemeral bool
	logger    zerolog.Logger

	mu     sync.Mutex
	offset *store.OutboxCursor
}

func NewRelay(st store.Store, publisher Publisher, cfg Config, logger zerolog.Logger) *Relay {
	name := cfg.Name
	if name == "" {
		name = "redis"
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &Relay{
		store:     st,
		publisher: publisher,
		name:      name,
		batchSize: batch,
		ephemeral: cfg.Ephemeral,
		logger:    logger.With().Str("component", "relay").Str("relay", name).Logger(),
	}
}

// RunOnce publishes one batch. It stops at the first publish failure and
// keeps the offset at the last event that went out.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, err := r.loadOffset(ctx)
	if err != nil {
		return 0, err
	}

	events, err := r.store.ListOutboxEvents(ctx, last, r.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	var publishErr error
	for _, event := range events {
		if err := r.publisher.Publish(ctx, event); err != nil {
			publishErr = err
			break
		}
		last = event.Cursor()
		sent++
	}

	if sent > 0 {
		if err := r.saveOffset(ctx, last); err != nil {
			return sent, err
		}
	}
	return sent, publishErr
}

func (r *Relay) loadOffset(ctx context.Context) (store.OutboxCursor, error) {
	if !r.ephemeral {
		return r.store.GetRelayOffset(ctx, r.name)
	}
	if r.offset == nil {
		latest, err := r.store.LatestOutboxCursor(ctx)
		if err != nil {
			return store.OutboxCursor{}, err
		}
		r.offset = &latest
	}
	return *r.offset, nil
}

func (r *Relay) saveOffset(ctx context.Context, offset store.OutboxCursor) error {
	if r.ephemeral {
		r.offset = &offset
		return nil
	}
	return r.store.UpdateRelayOffset(ctx, r.name, offset)
}

func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Error().Err(err).Int("sent", sent).Msg("relay error")
				continue
			}
			if sent > 0 {
				r.logger.Debug().Int("sent", sent).Msg("relayed outbox events")
			}
		}
	}
}

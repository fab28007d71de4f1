// Package events publishes pipeline progress (detected breakouts, labelled
// trades, completed runs) as JSON events over Redis pub/sub.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/algomatic/m18/pkg/types"
	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix is used when no prefix is configured.
const DefaultChannelPrefix = "m18"

// Handler processes an incoming event.
type Handler func(ctx context.Context, event *Event) error

// Bus wraps a Redis client for pub/sub communication.
type Bus struct {
	client        *redis.Client
	channelPrefix string
	logger        *slog.Logger
	now           func() time.Time
}

// NewBus creates a new Redis pub/sub bus.
func NewBus(addr, password string, db int, channelPrefix string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if channelPrefix == "" {
		channelPrefix = DefaultChannelPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &Bus{
		client:        client,
		channelPrefix: channelPrefix,
		logger:        logger,
		now:           time.Now,
	}
}

// HealthCheck verifies Redis connectivity.
func (b *Bus) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close shuts down the Redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Publish sends an event to the channel for its type.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	channel := b.ChannelFor(event.EventType)
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}

	b.logger.Debug("Published event",
		"event_type", event.EventType,
		"channel", channel,
		"correlation_id", event.CorrelationID,
	)
	return nil
}

// PublishBreakout announces a detected entry.
func (b *Bus) PublishBreakout(ctx context.Context, runID string, ev types.BreakoutEvent) error {
	return b.Publish(ctx, BreakoutEvent(runID, ev, b.now()))
}

// PublishTrade announces a labelled trade.
func (b *Bus) PublishTrade(ctx context.Context, runID string, t types.LabeledTrade) error {
	return b.Publish(ctx, TradeEvent(runID, t, b.now()))
}

// PublishRunCompleted announces the end of a run with its summary.
func (b *Bus) PublishRunCompleted(ctx context.Context, runID string, summary map[string]any) error {
	return b.Publish(ctx, RunCompletedEvent(runID, summary, b.now()))
}

// PublishTrades sends every trade in one pipelined round trip.
func (b *Bus) PublishTrades(ctx context.Context, runID string, trades []types.LabeledTrade) error {
	if len(trades) == 0 {
		return nil
	}
	channel := b.ChannelFor(EventTradeLabeled)
	now := b.now()
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range trades {
			data, err := TradeEvent(runID, t, now).Marshal()
			if err != nil {
				return fmt.Errorf("marshalling trade %s: %w", t.Symbol, err)
			}
			pipe.Publish(ctx, channel, data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publishing %d trades to %s: %w", len(trades), channel, err)
	}
	b.logger.Info("Published trades", "channel", channel, "count", len(trades), "run_id", runID)
	return nil
}

// Subscribe listens for events of the given type and calls handler for each.
// Blocks until ctx is cancelled. Returns nil on clean shutdown.
func (b *Bus) Subscribe(ctx context.Context, eventType string, handler Handler) error {
	channel := b.ChannelFor(eventType)
	pubsub := b.client.Subscribe(ctx, channel)
	defer pubsub.Close()

	b.logger.Info("Subscribed to Redis channel", "channel", channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Unsubscribed from Redis channel", "channel", channel)
			return nil

		case msg, ok := <-ch:
			if !ok {
				b.logger.Warn("Redis subscription channel closed", "channel", channel)
				return nil
			}

			event, err := UnmarshalEvent([]byte(msg.Payload))
			if err != nil {
				b.logger.Error("Failed to unmarshal event",
					"channel", channel,
					"error", err,
					"payload_preview", truncate(msg.Payload, 200),
				)
				continue
			}

			if err := handler(ctx, event); err != nil {
				b.logger.Error("Handler failed",
					"event_type", event.EventType,
					"correlation_id", event.CorrelationID,
					"error", err,
				)
			}
		}
	}
}

// ChannelFor maps an event type to a Redis channel name.
func (b *Bus) ChannelFor(eventType string) string {
	return b.channelPrefix + ":" + eventType
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/wake/internal/domain"
)

// DefaultStreamMaxLen caps the event stream (approximate trimming)
const DefaultStreamMaxLen = 10000

// EventStream appends transition events to a Redis stream for external
// consumers (alerting, dashboards). The engine never reads it back for its own state.
type EventStream struct {
	client *redis.Client
	key    string
	maxLen int64
}

// NewEventStream creates a stream writer. Empty key and non-positive maxLen fall back to defaults.
func NewEventStream(client *redis.Client, key string, maxLen int64) *EventStream {
	if key == "" {
		key = DefaultEventStream
	}
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &EventStream{client: client, key: key, maxLen: maxLen}
}

// Key returns the stream name
func (s *EventStream) Key() string { return s.key }

// Append adds one event to the stream
func (s *EventStream) Append(ctx context.Context, e domain.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"service_id": e.ServiceID,
			"from":       string(e.From),
			"to":         string(e.To),
			"event":      data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append event for %s: %w", e.ServiceID, err)
	}
	return nil
}

// Recent returns up to n events, newest first
func (s *EventStream) Recent(ctx context.Context, n int64) ([]domain.Event, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.key, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event stream: %w", err)
	}

	events := make([]domain.Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var e domain.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

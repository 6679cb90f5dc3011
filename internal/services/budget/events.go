package budget

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType names a budget event published to the events stream.
type EventType string

const (
	EventExceeded EventType = "exceeded"
	EventAnomaly  EventType = "anomaly"
)

const (
	eventStreamMaxLen   = 10000
	eventPublishTimeout = time.Second
)

// Event is one entry of the budget events stream.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Day       string                 `json:"day"`
	Data      map[string]interface{} `json:"data"`
}

// EventPublisher appends budget events to a Redis stream so operators can
// follow rejections and anomalies across all processes.
type EventPublisher struct {
	client redis.UniversalClient
	stream string
	logger *zap.Logger
}

// NewEventPublisher creates a publisher writing to stream.
func NewEventPublisher(client redis.UniversalClient, stream string, logger *zap.Logger) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPublisher{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// Stream returns the stream name.
func (p *EventPublisher) Stream() string {
	return p.stream
}

// Publish appends event to the stream. Failures are logged and returned; the
// engine never fails an operation because an event was lost.
func (p *EventPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.client == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal budget event", zap.Error(err), zap.String("event_id", event.ID))
		return err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: eventStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event_id":   event.ID,
			"event_type": string(event.Type),
			"data":       string(data),
		},
	}).Err()
	if err != nil {
		p.logger.Warn("Failed to publish budget event",
			zap.Error(err),
			zap.String("stream", p.stream),
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)))
		return err
	}

	p.logger.Debug("Budget event published",
		zap.String("stream", p.stream),
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)))
	return nil
}

// ReadEvents returns up to count of the most recent events, newest first.
func (p *EventPublisher) ReadEvents(ctx context.Context, count int64) ([]Event, error) {
	if p == nil || p.client == nil {
		return nil, errStoreUnavailable
	}
	msgs, err := p.client.XRevRangeN(ctx, p.stream, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			p.logger.Warn("Skipping malformed budget event", zap.String("stream_id", msg.ID), zap.Error(err))
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

package budget

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEventEngine(t *testing.T) (*testEngine, *EventPublisher) {
	t.Helper()

	te := newTestEngine(t, ModeStrict, nil)
	events := NewEventPublisher(te.client, "budget_events", zap.NewNop())
	te.engine = NewEngine(&EngineConfig{
		Client: te.client,
		Logger: zap.NewNop(),
		Mode:   ModeStrict,
		Events: events,
		Clock:  func() time.Time { return *te.now },
	})
	return te, events
}

func TestEventPublisher_PublishAndRead(t *testing.T) {
	te := newTestEngine(t, ModeStrict, nil)
	events := NewEventPublisher(te.client, "test_events", nil)
	ctx := context.Background()

	require.NoError(t, events.Publish(ctx, Event{Type: EventExceeded, Day: "2025-03-14"}))
	require.NoError(t, events.Publish(ctx, Event{Type: EventAnomaly, Day: "2025-03-14"}))

	got, err := events.ReadEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, EventAnomaly, got[0].Type)
	assert.Equal(t, EventExceeded, got[1].Type)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())

	got, err = events.ReadEvents(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "test_events", events.Stream())
}

func TestEventPublisher_SkipsMalformedEntries(t *testing.T) {
	te := newTestEngine(t, ModeStrict, nil)
	events := NewEventPublisher(te.client, "test_events", nil)
	ctx := context.Background()

	require.NoError(t, te.client.XAdd(ctx, &redis.XAddArgs{
		Stream: "test_events",
		Values: map[string]interface{}{"data": "{broken"},
	}).Err())
	require.NoError(t, events.Publish(ctx, Event{Type: EventExceeded}))

	got, err := events.ReadEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, EventExceeded, got[0].Type)
}

func TestEventPublisher_Nil(t *testing.T) {
	var events *EventPublisher
	assert.NoError(t, events.Publish(context.Background(), Event{Type: EventExceeded}))

	_, err := events.ReadEvents(context.Background(), 1)
	assert.Error(t, err)
}

func TestEngine_PublishesEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("rejection", func(t *testing.T) {
		te, _ := newEventEngine(t)
		scopes := testScopes()

		_, err := te.engine.Reserve(ctx, 6000, scopes)
		require.ErrorIs(t, err, ErrBudgetExceeded)

		got, err := te.engine.RecentEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, EventExceeded, got[0].Type)
		assert.Equal(t, "2025-03-14", got[0].Day)
		assert.Equal(t, "org:acme", got[0].Data["scope"])
		assert.EqualValues(t, 6000, got[0].Data["requested"])
		assert.EqualValues(t, 5000, got[0].Data["remaining"])
	})

	t.Run("anomaly", func(t *testing.T) {
		te, _ := newEventEngine(t)

		token, err := te.engine.Reserve(ctx, 10, testScopes())
		require.NoError(t, err)
		te.engine.Commit(ctx, token, 60)

		got, err := te.engine.RecentEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, EventAnomaly, got[0].Type)
		assert.Equal(t, token.ID, got[0].Data["token_id"])
		assert.EqualValues(t, 60, got[0].Data["used_amount"])
	})

	t.Run("plain overspend publishes nothing", func(t *testing.T) {
		te, _ := newEventEngine(t)

		token, err := te.engine.Reserve(ctx, 10, testScopes())
		require.NoError(t, err)
		te.engine.Commit(ctx, token, 20)

		got, err := te.engine.RecentEvents(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("disabled without publisher", func(t *testing.T) {
		te := newTestEngine(t, ModeStrict, nil)
		_, err := te.engine.RecentEvents(ctx, 10)
		assert.ErrorIs(t, err, ErrEventsDisabled)
	})
}

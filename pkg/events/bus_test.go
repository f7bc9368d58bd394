package events

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewEventAssignsUUID(t *testing.T) {
	ev := NewEvent(EventUsageRecorded, "org-1", map[string]interface{}{"generation_id": "gen-1"})

	_, err := uuid.Parse(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, EventUsageRecorded, ev.Type)
	assert.Equal(t, "org-1", ev.OrganizationID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestPublishDeliversToAllHandlers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		bus.Subscribe(EventUsageDriftDetected, func(ctx context.Context, event Event) error {
			calls.Add(1)
			return nil
		})
	}
	bus.Subscribe(EventUsageRecorded, func(ctx context.Context, event Event) error {
		t.Error("handler for other type should not run")
		return nil
	})

	bus.Publish(context.Background(), NewEvent(EventUsageDriftDetected, "", nil))
	bus.Wait()

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, map[string]int{"usage.drift_detected": 3, "usage.recorded": 1}, bus.Subscriptions())
}

func TestPublishSurvivesPanickingHandler(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var ran atomic.Bool

	bus.Subscribe(EventFXRateFallback, func(ctx context.Context, event Event) error {
		panic("boom")
	})
	bus.Subscribe(EventFXRateFallback, func(ctx context.Context, event Event) error {
		ran.Store(true)
		return nil
	})

	bus.Publish(context.Background(), NewEvent(EventFXRateFallback, "", nil))
	bus.Wait()

	assert.True(t, ran.Load())
}

func TestNilBusIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(context.Background(), NewEvent(EventUsageRecorded, "", nil))
	bus.Wait()
}

package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrunner/internal/core"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func receive(t *testing.T, ch <-chan core.Event) core.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return core.Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	second, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	bus.Publish(core.Event{Type: core.EventClaimed, TaskID: "t1", ExecutionID: "e1", Outcome: core.OutcomeRunning, At: at})
	bus.Publish(core.Event{Type: core.EventFinished, TaskID: "t1", ExecutionID: "e1", Outcome: core.OutcomeFailed, Error: "boom", At: at})

	// Delivery order across publishes is not guaranteed by the go-channel pub/sub.
	for _, ch := range []<-chan core.Event{first, second} {
		got := map[core.EventType]core.Event{}
		for i := 0; i < 2; i++ {
			evt := receive(t, ch)
			got[evt.Type] = evt
		}
		require.Contains(t, got, core.EventClaimed)
		assert.True(t, at.Equal(got[core.EventClaimed].At))
		require.Contains(t, got, core.EventFinished)
		assert.Equal(t, core.OutcomeFailed, got[core.EventFinished].Outcome)
		assert.Equal(t, "boom", got[core.EventFinished].Error)
	}
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	bus := newTestBus(t)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(core.Event{Type: core.EventProgress, TaskID: "t1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked")
	}
}

func TestSubscriptionEndsOnClose(t *testing.T) {
	bus := NewBus(nil)
	ch, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not closed")
	}
}

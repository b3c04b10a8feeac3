package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestEventFilter_Match(t *testing.T) {
	ev := StreamEvent{ProjectID: "p1", PlanID: "plan-a", RunID: "run-1", Step: "load", EventType: "node_completed"}
	tests := []struct {
		name   string
		filter EventFilter
		want   bool
	}{
		{"empty matches all", EventFilter{}, true},
		{"project", EventFilter{ProjectID: "p1"}, true},
		{"other project", EventFilter{ProjectID: "p2"}, false},
		{"plan", EventFilter{PlanID: "plan-a"}, true},
		{"other plan", EventFilter{PlanID: "plan-b"}, false},
		{"run", EventFilter{RunID: "run-1"}, true},
		{"other run", EventFilter{RunID: "run-2"}, false},
		{"one of types", EventFilter{EventTypes: []string{"node_started", "node_completed"}}, true},
		{"no type", EventFilter{EventTypes: []string{"run_failed"}}, false},
		{"all fields", EventFilter{ProjectID: "p1", PlanID: "plan-a", RunID: "run-1", EventTypes: []string{"node_completed"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(ev))
		})
	}
}

func TestMemoryHub_PublishStampsTime(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hub := NewMemoryHub(WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Step: "load", EventType: "node_completed", Payload: map[string]any{"rows": 3}}))
	ev := receive(t, ch)
	assert.Equal(t, "load", ev.Step)
	assert.Equal(t, fixed, ev.Time)
	assert.Equal(t, map[string]any{"rows": 3}, ev.Payload)

	own := fixed.Add(-time.Hour)
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "tick", Time: own}))
	assert.Equal(t, own, receive(t, ch).Time)

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-2", EventType: "tick"}))
	assertNoEvent(t, ch)
}

func TestMemoryHub_FanOut(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	all, cancelAll, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancelAll()
	failures, cancelFailures, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"run_failed"}})
	require.NoError(t, err)
	defer cancelFailures()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", EventType: "run_started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", EventType: "run_failed"}))

	assert.Equal(t, "run_started", receive(t, all).EventType)
	assert.Equal(t, "run_failed", receive(t, all).EventType)
	assert.Equal(t, "run_failed", receive(t, failures).EventType)
	assertNoEvent(t, failures)
}

func TestMemoryHub_CancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers())

	require.NoError(t, hub.Publish(context.Background(), StreamEvent{RunID: "r", EventType: "tick"}))
}

func TestMemoryHub_SubscriptionEndsWithContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemoryHub_CancelledContexts(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{RunID: "r"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryHub_FullSubscriberDropsEvents(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(2))
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", EventType: "tick"}))
	}
	assert.Len(t, ch, 2)
	assert.Equal(t, HubStats{Subscribers: 1, Published: 5, Dropped: 3}, hub.Stats())
	assert.Equal(t, uint64(3), hub.Dropped())
}

func TestMemoryHub_ConcurrentPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(1024))
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"node_completed"}})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = hub.Publish(ctx, StreamEvent{RunID: "r", EventType: "node_completed"})
			}
		}()
		go func() {
			defer wg.Done()
			_, c, err := hub.Subscribe(ctx, EventFilter{RunID: "other"})
			if err == nil {
				c()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ch, 400)
	assert.Equal(t, uint64(0), hub.Dropped())
}

package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/op-suite-runner/types"
)

func receive(t *testing.T, sub Subscription) types.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return types.Event{}
}

func assertNoEvent(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryChannel_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryChannel(0, log.NewLogger(log.DiscardHandler()))
	defer c.Close()

	sub, err := c.Subscribe(ctx, And(ByCorrelation("exec-1"), ByKinds(types.KindSubSuiteActivity)))
	require.NoError(t, err)

	require.NoError(t, c.Publish(ctx, types.NewEvent(types.KindSubSuiteActivity, "exec-2", "s")))
	require.NoError(t, c.Publish(ctx, types.NewEvent(types.KindSubSuiteDispatched, "exec-1", "s")))
	want := types.NewEvent(types.KindSubSuiteActivity, "exec-1", "s")
	require.NoError(t, c.Publish(ctx, want))

	got := receive(t, sub)
	assert.Equal(t, want.ID, got.ID)
	assertNoEvent(t, sub)
}

func TestMemoryChannel_DropsWhenFull(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryChannel(1, log.NewLogger(log.DiscardHandler()))
	defer c.Close()

	sub, err := c.Subscribe(ctx, nil)
	require.NoError(t, err)

	first := types.NewEvent(types.KindRawLog, "exec-1", "s")
	require.NoError(t, c.Publish(ctx, first))
	require.NoError(t, c.Publish(ctx, types.NewEvent(types.KindRawLog, "exec-1", "s")))

	assert.Equal(t, first.ID, receive(t, sub).ID)
	assertNoEvent(t, sub)
}

func TestMemoryChannel_SubscriptionLifecycle(t *testing.T) {
	c := NewMemoryChannel(0, log.NewLogger(log.DiscardHandler()))

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := c.Subscribe(ctx, nil)
	require.NoError(t, err)
	owned, err := c.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 2, c.SubscriberCount())

	cancel()
	require.Eventually(t, func() bool { return c.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())

	require.NoError(t, c.Close())
	_, ok = <-owned.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, owned.Err(), ErrClosed)

	assert.ErrorIs(t, c.Publish(context.Background(), types.NewEvent(types.KindRawLog, "e", "s")), ErrClosed)
	_, err = c.Subscribe(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryChannel_CloseSubscription(t *testing.T) {
	c := NewMemoryChannel(0, log.NewLogger(log.DiscardHandler()))
	defer c.Close()

	sub, err := c.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	require.Eventually(t, func() bool { return c.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestPredicates(t *testing.T) {
	ev := types.NewEvent(types.KindSubSuiteActivity, "exec-1", "s")
	assert.True(t, ByCorrelation("exec-1")(ev))
	assert.False(t, ByCorrelation("exec-2")(ev))
	assert.True(t, ByKinds(types.KindRawLog, types.KindSubSuiteActivity)(ev))
	assert.False(t, ByKinds(types.KindRawLog)(ev))
	assert.True(t, And()(ev))
	assert.False(t, And(ByCorrelation("exec-1"), ByKinds(types.KindRawLog))(ev))
}

func TestDeduper(t *testing.T) {
	d, err := NewDeduper(2)
	require.NoError(t, err)

	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("a"))
	assert.False(t, d.Seen(""))
	assert.False(t, d.Seen(""))

	assert.False(t, d.Seen("b"))
	assert.False(t, d.Seen("c"))
	assert.False(t, d.Seen("a"), "evicted ids are forgotten")
}

func logActivity(typ types.ActivityType) types.Event {
	ev := types.NewEvent(types.KindSubSuiteActivity, "exec-1", "s")
	ev.Activity = &types.Activity{Type: typ, Source: "log-listener"}
	return ev
}

func TestMemoryChannel_LifecycleEventsWaitForRoom(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryChannel(1, log.NewLogger(log.DiscardHandler()))
	defer c.Close()

	sub, err := c.Subscribe(ctx, nil)
	require.NoError(t, err)

	line := logActivity(types.ActivityLog)
	require.NoError(t, c.Publish(ctx, line))
	require.NoError(t, c.Publish(ctx, logActivity(types.ActivityTestCaseStarted)))

	finished := logActivity(types.ActivityFinished)
	published := make(chan error, 1)
	go func() { published <- c.Publish(ctx, finished) }()
	select {
	case <-published:
		t.Fatal("finished activity was not held back until there was room")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, line.ID, receive(t, sub).ID)
	assert.Equal(t, finished.ID, receive(t, sub).ID)
	require.NoError(t, <-published)
	assertNoEvent(t, sub)
}

func TestMemoryChannel_BlockedPublishEnds(t *testing.T) {
	t.Run("subscription closed", func(t *testing.T) {
		c := NewMemoryChannel(1, log.NewLogger(log.DiscardHandler()))
		defer c.Close()
		sub, err := c.Subscribe(context.Background(), nil)
		require.NoError(t, err)
		require.NoError(t, c.Publish(context.Background(), types.NewEvent(types.KindSubSuiteDispatched, "exec-1", "s")))

		published := make(chan error, 1)
		go func() {
			published <- c.Publish(context.Background(), types.NewEvent(types.KindExecutionVerdict, "exec-1", ""))
		}()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, sub.Close())

		select {
		case err := <-published:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("publish stayed blocked after the subscription ended")
		}
	})

	t.Run("channel closed", func(t *testing.T) {
		c := NewMemoryChannel(1, log.NewLogger(log.DiscardHandler()))
		_, err := c.Subscribe(context.Background(), nil)
		require.NoError(t, err)
		require.NoError(t, c.Publish(context.Background(), types.NewEvent(types.KindSubSuiteDispatched, "exec-1", "s")))

		published := make(chan error, 1)
		go func() {
			published <- c.Publish(context.Background(), types.NewEvent(types.KindSubSuiteDispatched, "exec-1", "s"))
		}()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, c.Close())

		select {
		case <-published:
		case <-time.After(time.Second):
			t.Fatal("publish stayed blocked after the channel closed")
		}
	})

	t.Run("context done", func(t *testing.T) {
		c := NewMemoryChannel(1, log.NewLogger(log.DiscardHandler()))
		defer c.Close()
		_, err := c.Subscribe(context.Background(), nil)
		require.NoError(t, err)
		require.NoError(t, c.Publish(context.Background(), types.NewEvent(types.KindSubSuiteDispatched, "exec-1", "s")))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err = c.Publish(ctx, types.NewEvent(types.KindSubSuiteDispatched, "exec-1", "s"))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestSheddable(t *testing.T) {
	tests := []struct {
		name string
		ev   types.Event
		want bool
	}{
		{"raw log", types.NewEvent(types.KindRawLog, "e", "s"), true},
		{"announcement", types.NewEvent(types.KindAnnouncement, "e", ""), true},
		{"log activity", logActivity(types.ActivityLog), true},
		{"test case activity", logActivity(types.ActivityTestCaseFinished), true},
		{"started activity", logActivity(types.ActivityStarted), false},
		{"finished activity", logActivity(types.ActivityFinished), false},
		{"dispatch", types.NewEvent(types.KindSubSuiteDispatched, "e", "s"), false},
		{"allocation result", types.NewEvent(types.KindAllocationResult, "e", "s"), false},
		{"cancel", types.NewEvent(types.KindSubSuiteCancelRequested, "e", "s"), false},
		{"verdict", types.NewEvent(types.KindExecutionVerdict, "e", ""), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sheddable(tt.ev))
		})
	}
}

func TestMemoryChannel_Ping(t *testing.T) {
	c := NewMemoryChannel(0, log.NewLogger(log.DiscardHandler()))
	require.NoError(t, Ping(context.Background(), c))
	require.NoError(t, c.Close())
	assert.ErrorIs(t, Ping(context.Background(), c), ErrClosed)
}

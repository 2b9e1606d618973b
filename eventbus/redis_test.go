package eventbus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/op-suite-runner/types"
)

func newTestRedisChannel(t *testing.T) (*RedisChannel, *miniredis.Miniredis) {
	t.Helper()
	redisServer, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(redisServer.Close)

	client, err := NewRedisClient("redis://" + redisServer.Addr())
	require.NoError(t, err)
	require.NoError(t, CheckRedisConnection(context.Background(), client))

	c := NewRedisChannel(client, "test", log.NewLogger(log.DiscardHandler()))
	t.Cleanup(func() { _ = c.Close() })
	return c, redisServer
}

func TestRedisChannel_PublishSubscribe(t *testing.T) {
	c, _ := newTestRedisChannel(t)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, ByCorrelation("exec-1"))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, c.Publish(ctx, types.NewEvent(types.KindSubSuiteActivity, "exec-2", "s")))

	want := types.NewEvent(types.KindSubSuiteActivity, "exec-1", "smoke_SubSuite_0")
	want.Activity = &types.Activity{Type: types.ActivityFinished, Outcome: types.OutcomeSuccess}
	require.NoError(t, c.Publish(ctx, want))

	got := receive(t, sub)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Kind, got.Kind)
	require.NotNil(t, got.Activity)
	assert.Equal(t, types.OutcomeSuccess, got.Activity.Outcome)
}

func TestRedisChannel_SkipsUndecodablePayloads(t *testing.T) {
	c, redisServer := newTestRedisChannel(t)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, nil)
	require.NoError(t, err)
	defer sub.Close()

	redisServer.Publish("test:garbage", "not an event")
	want := types.NewEvent(types.KindRawLog, "exec-1", "s")
	require.NoError(t, c.Publish(ctx, want))

	assert.Equal(t, want.ID, receive(t, sub).ID)
}

func TestRedisChannel_CloseSubscription(t *testing.T) {
	c, _ := newTestRedisChannel(t)

	sub, err := c.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	for range sub.Events() {
	}
	assert.NoError(t, sub.Err())
}

func TestRedisChannel_PublishFailsWhenServerDown(t *testing.T) {
	c, redisServer := newTestRedisChannel(t)
	redisServer.Close()

	err := c.Publish(context.Background(), types.NewEvent(types.KindRawLog, "exec-1", "s"))
	require.Error(t, err)
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := NewRedisClient("not-a-url://")
	require.Error(t, err)
}

func TestRedisChannel_Ping(t *testing.T) {
	c, redisServer := newTestRedisChannel(t)
	retrying := NewRetryingChannel(c, 1, nil, log.NewLogger(log.DiscardHandler()))

	require.NoError(t, Ping(context.Background(), c))
	require.NoError(t, Ping(context.Background(), retrying))

	redisServer.Close()
	assert.Error(t, Ping(context.Background(), c))
	assert.Error(t, Ping(context.Background(), retrying))
}

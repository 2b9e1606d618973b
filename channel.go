package suiterunner

import (
	"context"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/op-suite-runner/eventbus"
)

// NewEventChannel connects to the redis event channel, or creates an in-process channel when
// no redis url is configured. Publish and subscribe are retried with backoff either way.
func NewEventChannel(ctx context.Context, redisURL, prefix string, logger log.Logger) (eventbus.Channel, error) {
	var inner eventbus.Channel
	if redisURL == "" {
		logger.Warn("No redis url configured, events stay inside this process")
		inner = eventbus.NewMemoryChannel(0, logger)
	} else {
		client, err := eventbus.NewRedisClient(redisURL)
		if err != nil {
			return nil, err
		}
		if err := eventbus.CheckRedisConnection(ctx, client); err != nil {
			_ = client.Close()
			return nil, err
		}
		logger.Info("Connected to redis event channel", "prefix", prefix)
		inner = eventbus.NewRedisChannel(client, prefix, logger)
	}
	return eventbus.NewRetryingChannel(inner, 0, nil, logger), nil
}

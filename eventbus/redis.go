package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"

	"github.com/ethereum-optimism/op-suite-runner/metrics"
	"github.com/ethereum-optimism/op-suite-runner/types"
)

const DefaultEventPrefix = "suite-runner"

// NewRedisClient creates a redis client from a redis:// URL.
func NewRedisClient(url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// CheckRedisConnection pings redis with a short timeout.
func CheckRedisConnection(ctx context.Context, client redis.UniversalClient) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("error connecting to redis: %w", err)
	}
	return nil
}

// RedisChannel carries events over redis pub/sub. Each event kind is published on its own
// redis channel, "<prefix>:<kind>", and subscriptions listen on "<prefix>:*".
type RedisChannel struct {
	client redis.UniversalClient
	prefix string
	log    log.Logger
}

// NewRedisChannel creates a Channel on top of an existing redis client.
func NewRedisChannel(client redis.UniversalClient, prefix string, logger log.Logger) *RedisChannel {
	if prefix == "" {
		prefix = DefaultEventPrefix
	}
	if logger == nil {
		logger = log.New()
	}
	return &RedisChannel{
		client: client,
		prefix: prefix,
		log:    logger.New("component", "redis-channel", "prefix", prefix),
	}
}

func (c *RedisChannel) topic(kind types.EventKind) string {
	return c.prefix + ":" + string(kind)
}

func (c *RedisChannel) Publish(ctx context.Context, ev types.Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	if err := c.client.Publish(ctx, c.topic(ev.Kind), data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Kind, err)
	}
	return nil
}

// Subscribe returns once redis has confirmed the subscription, so no event published
// afterwards is missed.
func (c *RedisChannel) Subscribe(ctx context.Context, pred Predicate) (Subscription, error) {
	if pred == nil {
		pred = func(types.Event) bool { return true }
	}

	ps := c.client.PSubscribe(ctx, c.prefix+":*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		ps:     ps,
		events: make(chan types.Event),
		cancel: cancel,
	}
	go sub.forward(subCtx, pred, c.log)
	return sub, nil
}

func (c *RedisChannel) Ping(ctx context.Context) error {
	return CheckRedisConnection(ctx, c.client)
}

// Close closes the underlying redis client.
func (c *RedisChannel) Close() error {
	return c.client.Close()
}

type redisSubscription struct {
	ps     *redis.PubSub
	events chan types.Event
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *redisSubscription) forward(ctx context.Context, pred Predicate, logger log.Logger) {
	defer close(s.events)
	defer s.ps.Close()

	msgs := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				s.setErr(fmt.Errorf("redis subscription closed"))
				return
			}
			ev, err := types.UnmarshalEvent([]byte(msg.Payload))
			if err != nil {
				logger.Warn("Dropping undecodable event", "channel", msg.Channel, "err", err)
				metrics.RecordEventDropped("undecodable")
				continue
			}
			if !pred(ev) {
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *redisSubscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *redisSubscription) Events() <-chan types.Event {
	return s.events
}

func (s *redisSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSubscription) Close() error {
	s.cancel()
	return nil
}

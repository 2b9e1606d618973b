package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"

	"github.com/ethereum-optimism/op-suite-runner/metrics"
	"github.com/ethereum-optimism/op-suite-runner/types"
)

const defaultBufferSize = 1024

// MemoryChannel is an in-process Channel. Log traffic never blocks a publisher: raw log lines,
// log activities and announcements are dropped for a subscriber whose buffer is full. Every other
// event waits for room, so a burst of logs cannot swallow a sub-suite's finished activity or a
// verdict.
type MemoryChannel struct {
	subs       map[*memorySubscription]struct{}
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int
	log        log.Logger
	dropWarn   rate.Sometimes
}

// NewMemoryChannel creates an in-process channel. A bufferSize <= 0 uses the default.
func NewMemoryChannel(bufferSize int, logger log.Logger) *MemoryChannel {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = log.New()
	}
	return &MemoryChannel{
		subs:       make(map[*memorySubscription]struct{}),
		done:       make(chan struct{}),
		bufferSize: bufferSize,
		log:        logger,
		dropWarn:   rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Publish delivers the event to every matching subscriber.
func (c *MemoryChannel) Publish(ctx context.Context, ev types.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	select {
	case <-c.done:
		c.mu.RUnlock()
		return ErrClosed
	default:
	}
	targets := make([]*memorySubscription, 0, len(c.subs))
	for sub := range c.subs {
		if sub.pred(ev) {
			targets = append(targets, sub)
		}
	}
	c.mu.RUnlock()

	sheddable := Sheddable(ev)
	for _, sub := range targets {
		if !sub.deliver(ctx, ev, sheddable) {
			metrics.RecordEventDropped("subscriber_full")
			c.dropWarn.Do(func() {
				c.log.Warn("Subscriber buffer full, dropping event", "kind", ev.Kind, "correlation_id", ev.CorrelationID)
			})
		}
	}
	return ctx.Err()
}

// Sheddable reports whether ev may be dropped for a subscriber that cannot keep up.
func Sheddable(ev types.Event) bool {
	switch ev.Kind {
	case types.KindRawLog, types.KindAnnouncement:
		return true
	case types.KindSubSuiteActivity:
		if ev.Activity == nil {
			return true
		}
		switch ev.Activity.Type {
		case types.ActivityStarted, types.ActivityFinished:
			return false
		}
		return true
	}
	return false
}

// Subscribe registers a subscription that ends when ctx is cancelled or Close is called.
func (c *MemoryChannel) Subscribe(ctx context.Context, pred Predicate) (Subscription, error) {
	if pred == nil {
		pred = func(types.Event) bool { return true }
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	sub := &memorySubscription{
		ch:     make(chan types.Event, c.bufferSize),
		pred:   pred,
		closed: make(chan struct{}),
		stop:   make(chan struct{}),
	}
	c.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.closed:
		case <-c.done:
		}
		c.remove(sub, nil)
	}()

	return sub, nil
}

func (c *MemoryChannel) remove(sub *memorySubscription, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sub]; !ok {
		return
	}
	delete(c.subs, sub)
	sub.end(err)
}

// Close shuts down the channel and ends every subscription with ErrClosed.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return nil
	default:
	}

	close(c.done)
	for sub := range c.subs {
		sub.end(ErrClosed)
	}
	c.subs = make(map[*memorySubscription]struct{})
	return nil
}

// Ping fails once the channel is closed.
func (c *MemoryChannel) Ping(context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
		return nil
	}
}

// SubscriberCount returns the number of active subscribers.
func (c *MemoryChannel) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

type memorySubscription struct {
	ch        chan types.Event
	pred      Predicate
	closed    chan struct{}
	closeOnce sync.Once

	// stop wakes publishers waiting for room before ch is closed.
	stop     chan struct{}
	stopOnce sync.Once
	sendMu   sync.Mutex
	ended    bool

	errMu sync.Mutex
	err   error
}

// deliver hands ev to the subscriber. A sheddable event is dropped when the buffer is full;
// any other event waits until there is room, ctx is done or the subscription ends. It returns
// false when the event was dropped.
func (s *memorySubscription) deliver(ctx context.Context, ev types.Event, sheddable bool) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.ended {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
	}
	if sheddable {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.stop:
		return true
	case <-ctx.Done():
		return false
	}
}

// end closes the event stream once no publisher is sending on it.
func (s *memorySubscription) end(err error) {
	s.stopOnce.Do(func() { close(s.stop) })
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.ended = true
	close(s.ch)
}

func (s *memorySubscription) Events() <-chan types.Event {
	return s.ch
}

func (s *memorySubscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

package loglistener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	"github.com/ethereum-optimism/op-suite-runner/eventbus"
	"github.com/ethereum-optimism/op-suite-runner/metrics"
	"github.com/ethereum-optimism/op-suite-runner/types"
)

const (
	DefaultBufferSize = 10000
	resubscribeDelay  = time.Second
	publishTimeout    = 10 * time.Second
	activitySource    = "log-listener"

	maxTrackedSubSuites = 4096
)

var _ cliapp.Lifecycle = (*Listener)(nil)

// Config configures a Listener.
type Config struct {
	Channel    eventbus.Channel
	Classifier *Classifier
	// BufferSize bounds the raw log records waiting to be classified.
	BufferSize int
	Log        log.Logger
}

// Listener turns raw log events into classified activity events. It runs independently of any
// execution: sub-suites are watched when their dispatch event is seen and unwatched once the
// execution verdict is published, but lines for unwatched sub-suites are forwarded as well.
type Listener struct {
	channel    eventbus.Channel
	classifier *Classifier
	log        log.Logger
	buf        *ringBuffer
	dedup      *eventbus.Deduper
	dropWarn   rate.Sometimes

	mu      sync.Mutex
	watches map[string]string // sub-suite id -> correlation id

	// Per sub-suite sequence counters, only touched by the process goroutine.
	sequences  *lru.Cache
	bufferSize int

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config) (*Listener, error) {
	if cfg.Channel == nil {
		return nil, errors.New("event channel is required")
	}
	if cfg.Classifier == nil {
		c, err := NewClassifier(DefaultPatterns())
		if err != nil {
			return nil, err
		}
		cfg.Classifier = c
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	dedup, err := eventbus.NewDeduper(cfg.BufferSize)
	if err != nil {
		return nil, err
	}
	sequences, err := lru.New(maxTrackedSubSuites)
	if err != nil {
		return nil, err
	}

	return &Listener{
		channel:    cfg.Channel,
		classifier: cfg.Classifier,
		log:        cfg.Log.New("component", "log-listener"),
		buf:        newRingBuffer(cfg.BufferSize),
		dedup:      dedup,
		dropWarn:   rate.Sometimes{Interval: 10 * time.Second},
		watches:    make(map[string]string),
		sequences:  sequences,
		bufferSize: cfg.BufferSize,
	}, nil
}

// Start subscribes to raw log, dispatch and verdict events and starts classifying.
// Start implements the cliapp.Lifecycle interface.
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Load() {
		return errors.New("log listener already running")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := l.subscribe(runCtx)
	if err != nil {
		cancel()
		return err
	}
	l.cancel = cancel
	l.running.Store(true)

	l.wg.Add(2)
	go l.read(runCtx, sub)
	go l.process(runCtx)

	l.log.Info("Log listener started", "buffer_size", l.bufferSize)
	return nil
}

// Stop implements the cliapp.Lifecycle interface.
func (l *Listener) Stop(ctx context.Context) error {
	if !l.running.Load() {
		return nil
	}
	l.running.Store(false)
	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.log.Info("Log listener stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped implements the cliapp.Lifecycle interface.
func (l *Listener) Stopped() bool {
	return !l.running.Load()
}

// Watch registers a sub-suite so its lines are attributed to the given execution.
func (l *Listener) Watch(subSuiteID, correlationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watches[subSuiteID] = correlationID
}

// UnwatchExecution forgets every sub-suite of an execution.
func (l *Listener) UnwatchExecution(correlationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, corr := range l.watches {
		if corr == correlationID {
			delete(l.watches, id)
		}
	}
}

func (l *Listener) watching(subSuiteID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	corr, ok := l.watches[subSuiteID]
	return corr, ok
}

// Ingest queues a raw log event for classification without ever blocking. Under sustained
// overload the oldest queued record is dropped.
func (l *Listener) Ingest(ev types.Event) {
	if l.buf.push(ev) {
		metrics.RecordLogLinesDropped(1)
		l.dropWarn.Do(func() {
			l.log.Warn("Log listener overloaded, dropping oldest records", "buffered", l.buf.len())
		})
	}
}

func (l *Listener) subscribe(ctx context.Context) (eventbus.Subscription, error) {
	return l.channel.Subscribe(ctx, eventbus.ByKinds(
		types.KindRawLog,
		types.KindSubSuiteDispatched,
		types.KindExecutionVerdict,
	))
}

func (l *Listener) read(ctx context.Context, sub eventbus.Subscription) {
	defer l.wg.Done()
	for {
		for ev := range sub.Events() {
			switch ev.Kind {
			case types.KindSubSuiteDispatched:
				l.Watch(ev.SubSuiteID, ev.CorrelationID)
			case types.KindExecutionVerdict:
				l.UnwatchExecution(ev.CorrelationID)
			case types.KindRawLog:
				if l.dedup.Seen(ev.ID) {
					continue
				}
				l.Ingest(ev)
			}
		}
		if ctx.Err() != nil {
			return
		}

		l.log.Warn("Subscription ended, resubscribing", "err", sub.Err())
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeDelay):
			}
			next, err := l.subscribe(ctx)
			if err == nil {
				sub = next
				break
			}
			l.log.Error("Failed to resubscribe", "err", err)
			metrics.RecordErrorDetails("log_listener_subscribe", err)
		}
	}
}

func (l *Listener) process(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.buf.notify:
		}
		for {
			ev, ok := l.buf.pop()
			if !ok {
				break
			}
			l.handle(ctx, ev)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// handle classifies one raw log record and publishes the resulting activity event.
func (l *Listener) handle(ctx context.Context, raw types.Event) {
	if raw.Log == nil || raw.SubSuiteID == "" {
		metrics.RecordEventDropped("malformed_log")
		return
	}

	correlationID := raw.CorrelationID
	if corr, ok := l.watching(raw.SubSuiteID); ok {
		if correlationID == "" {
			correlationID = corr
		}
	} else {
		l.log.Trace("Forwarding line for unwatched sub-suite", "sub_suite", raw.SubSuiteID)
	}

	cl := l.classifier.Classify(raw.Log.Line)
	metrics.RecordLogLine(cl.Name)

	seq := l.nextSequence(raw.SubSuiteID)
	ev := types.NewEvent(types.KindSubSuiteActivity, correlationID, raw.SubSuiteID)
	// Derived from the raw record so a redelivered line maps onto the same activity.
	ev.ID = raw.ID + "/activity"
	ev.Activity = &types.Activity{
		Type:           cl.Activity,
		Sequence:       seq,
		Source:         activitySource,
		Classification: cl.Name,
		TestCase:       cl.TestCase,
		Result:         cl.Result,
		Message:        cl.Message,
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := l.channel.Publish(pubCtx, ev); err != nil {
		l.log.Error("Failed to publish activity", "sub_suite", raw.SubSuiteID, "err", err)
		metrics.RecordErrorDetails("log_listener_publish", err)
	}
}

func (l *Listener) nextSequence(subSuiteID string) uint64 {
	var seq uint64
	if v, ok := l.sequences.Get(subSuiteID); ok {
		seq = v.(uint64)
	}
	seq++
	l.sequences.Add(subSuiteID, seq)
	return seq
}

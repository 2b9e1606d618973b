package suiterunner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// ExecutionScheduler triggers executions, once or on a fixed interval.
type ExecutionScheduler struct {
	interval time.Duration
	runOnce  bool
	logger   log.Logger
	callback func(ctx context.Context) error

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewExecutionScheduler(interval time.Duration, runOnce bool, logger log.Logger) *ExecutionScheduler {
	return &ExecutionScheduler{
		interval: interval,
		runOnce:  runOnce,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// RegisterCallback registers the function run on every tick.
func (s *ExecutionScheduler) RegisterCallback(callback func(ctx context.Context) error) {
	s.callback = callback
}

// Start runs the callback immediately. In run-once mode its error is returned and nothing else
// is scheduled. Otherwise the callback keeps running every interval until Stop is called or
// ctx is done, and errors are only logged.
func (s *ExecutionScheduler) Start(ctx context.Context) error {
	if s.callback == nil {
		return errors.New("callback must be registered before starting scheduler")
	}
	if !s.runOnce && s.interval <= 0 {
		return errors.New("periodic scheduler needs a positive interval")
	}

	s.done = make(chan struct{})
	s.running.Store(true)

	if s.runOnce {
		s.logger.Info("Starting scheduler in run-once mode")
		defer s.running.Store(false)
		return s.callback(ctx)
	}

	s.logger.Info("Starting scheduler in continuous mode", "interval", s.interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			if err := s.callback(ctx); err != nil {
				s.logger.Error("Error running periodic execution", "err", err)
			}
			select {
			case <-ticker.C:
				if !s.running.Load() {
					return
				}
			case <-s.done:
				s.logger.Debug("Done signal received, stopping periodic executions")
				return
			case <-ctx.Done():
				s.logger.Debug("Context canceled, stopping periodic executions")
				s.running.Store(false)
				return
			}
		}
	}()
	return nil
}

func (s *ExecutionScheduler) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		s.logger.Debug("Scheduler already stopped, nothing to do")
		return nil
	}
	close(s.done)
	return nil
}

func (s *ExecutionScheduler) Stopped() bool {
	return !s.running.Load()
}

// WaitForShutdown blocks until the periodic goroutine has terminated.
func (s *ExecutionScheduler) WaitForShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for scheduler to terminate", "err", ctx.Err())
		return ctx.Err()
	}
}

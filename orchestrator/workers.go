package orchestrator

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/op-suite-runner/eventbus"
	"github.com/ethereum-optimism/op-suite-runner/metrics"
	"github.com/ethereum-optimism/op-suite-runner/types"
)

// launchWorkers starts one allocation and dispatch worker per sub-suite. The returned channel is
// closed once every worker has returned.
func (e *execution) launchWorkers(ctx context.Context) <-chan struct{} {
	p := pool.New().WithContext(ctx)
	if n := e.o.cfg.MaxConcurrentSubSuites; n > 0 {
		p = p.WithMaxGoroutines(n)
	}

	type job struct {
		ctx  context.Context
		spec types.SubSuiteSpec
	}
	jobs := make([]job, 0, len(e.specs))
	for _, spec := range e.specs {
		subCtx, cancel := context.WithCancel(ctx)
		e.cancels[spec.ID] = cancel
		jobs = append(jobs, job{ctx: subCtx, spec: spec})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Go blocks while the pool is at capacity, so submission happens off the event loop.
		for _, j := range jobs {
			p.Go(func(context.Context) error {
				e.work(j.ctx, j.spec)
				return nil
			})
		}
		_ = p.Wait()
	}()
	return done
}

// work allocates an environment for one sub-suite and dispatches it. It never touches the
// tracker: every outcome is reported to the event loop as an update.
func (e *execution) work(ctx context.Context, spec types.SubSuiteSpec) {
	ctx, span := e.o.tracer.Start(ctx, fmt.Sprintf("sub-suite %s", spec.ID),
		trace.WithAttributes(
			attribute.String("correlation_id", spec.CorrelationID),
			attribute.String("sub_suite", spec.ID),
			attribute.String("test_runner", spec.TestRunner),
		))
	defer span.End()

	if e.slots != nil {
		if err := e.slots.Acquire(ctx, 1); err != nil {
			return
		}
		if !e.send(ctx, update{kind: updateSlotAcquired, id: spec.ID}) {
			e.slots.Release(1)
			return
		}
	}

	env, err := e.o.allocator.Allocate(ctx, spec, e.o.cfg.AllocationTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "allocation failed")
		e.send(ctx, update{kind: updateFailed, id: spec.ID, err: err})
		return
	}
	span.SetAttributes(attribute.String("environment", env.ID))

	// Sent regardless of ctx: only the event loop, or drain after it, knows whether the
	// tracker already holds env.
	reply := make(chan allocDecision, 1)
	e.updates <- update{kind: updateAllocated, id: spec.ID, env: env, reply: reply}
	switch <-reply {
	case allocRejected:
		e.releaseAsync(env)
		return
	case allocHeld:
		return
	}

	if err := e.publishDispatch(ctx, spec, env); err != nil {
		if ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		e.send(ctx, update{kind: updateFailed, id: spec.ID, err: fmt.Errorf("dispatching sub-suite: %w", err)})
		return
	}
	e.send(ctx, update{kind: updateDispatched, id: spec.ID})
}

func (e *execution) send(ctx context.Context, u update) bool {
	select {
	case e.updates <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

// drain answers updates that arrive after the event loop has stopped until every worker is done.
func (e *execution) drain(workersDone <-chan struct{}) {
	for {
		select {
		case u := <-e.updates:
			e.handleLateUpdate(u)
		case <-workersDone:
			for {
				select {
				case u := <-e.updates:
					e.handleLateUpdate(u)
				default:
					return
				}
			}
		}
	}
}

func (e *execution) handleLateUpdate(u update) {
	switch u.kind {
	case updateSlotAcquired:
		e.releaseSlot()
	case updateAllocated:
		u.reply <- decideAllocation(e.trackers[u.id], u.env)
	}
}

func (e *execution) publishDispatch(ctx context.Context, spec types.SubSuiteSpec, env types.EnvironmentDescriptor) error {
	ev := types.NewEvent(types.KindSubSuiteDispatched, spec.CorrelationID, spec.ID)
	ev.Dispatch = &types.Dispatch{Spec: spec, Environment: env}
	if err := e.o.channel.Publish(ctx, ev); err != nil {
		return err
	}
	e.log.Info("Sub-suite dispatched", "sub_suite", spec.ID, "environment", env.ID, "test_runner", spec.TestRunner)
	return nil
}

// dispatchAsync dispatches a sub-suite whose environment arrived as an allocation result event.
// A failed dispatch is left to the sub-suite timeout.
func (e *execution) dispatchAsync(ctx context.Context, spec types.SubSuiteSpec, env types.EnvironmentDescriptor) {
	e.cleanup.Add(1)
	go func() {
		defer e.cleanup.Done()
		if err := e.publishDispatch(ctx, spec, env); err != nil && ctx.Err() == nil {
			e.log.Error("Failed to dispatch sub-suite", "sub_suite", spec.ID, "err", err)
		}
	}()
}

// cleanupSubSuite asks the test runner to stop, when requested, and returns the environment.
// Both are best-effort and bounded by the cleanup timeout.
func (e *execution) cleanupSubSuite(spec types.SubSuiteSpec, env types.EnvironmentDescriptor, notify bool, cause error) {
	e.cleanup.Add(1)
	go func() {
		defer e.cleanup.Done()
		if notify {
			ev := types.NewEvent(types.KindSubSuiteCancelRequested, spec.CorrelationID, spec.ID)
			ev.Cancel = &types.CancelRequest{Reason: fmt.Sprint(cause)}
			ctx, cancel := context.WithTimeout(context.Background(), e.o.cfg.CleanupTimeout)
			if err := e.o.channel.Publish(ctx, ev); err != nil {
				e.log.Warn("Failed to request sub-suite cancellation", "sub_suite", spec.ID, "err", err)
			}
			cancel()
		}
		e.release(context.Background(), env)
	}()
}

// releaseAsync returns an environment no tracker holds without holding up the verdict.
func (e *execution) releaseAsync(env types.EnvironmentDescriptor) {
	e.cleanup.Add(1)
	go func() {
		defer e.cleanup.Done()
		e.release(context.Background(), env)
	}()
}

func (e *execution) release(ctx context.Context, env types.EnvironmentDescriptor) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.o.cfg.CleanupTimeout)
	defer cancel()
	if err := e.o.allocator.Release(ctx, env); err != nil {
		e.log.Warn("Failed to release environment", "environment", env.ID, "err", err)
	}
}

func (e *execution) publishVerdict(parent context.Context, verdict *types.Verdict) error {
	ev := types.NewEvent(types.KindExecutionVerdict, verdict.CorrelationID, "")
	ev.Verdict = verdict

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.o.cfg.PublishTimeout)
	defer cancel()
	if err := e.o.channel.Publish(ctx, ev); err != nil {
		e.log.Error("Failed to publish verdict", "err", err)
		metrics.RecordErrorDetails("verdict", err)
		if !eventbus.IsTransportError(err) {
			err = &eventbus.TransportError{Op: "publish", Err: err}
		}
		return err
	}
	return nil
}

func (e *execution) announce(ctx context.Context, header, body, severity string) {
	ev := types.NewEvent(types.KindAnnouncement, e.req.CorrelationID, "")
	ev.Announcement = &types.Announcement{Header: header, Body: body, Severity: severity}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.o.cfg.CleanupTimeout)
	defer cancel()
	if err := e.o.channel.Publish(ctx, ev); err != nil {
		e.log.Warn("Failed to publish announcement", "header", header, "err", err)
	}
}

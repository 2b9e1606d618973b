package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ethereum-optimism/op-suite-runner/eventbus"
	"github.com/ethereum-optimism/op-suite-runner/metrics"
	"github.com/ethereum-optimism/op-suite-runner/tracker"
	"github.com/ethereum-optimism/op-suite-runner/types"
)

type updateKind int

const (
	updateSlotAcquired updateKind = iota
	updateAllocated
	updateDispatched
	updateFailed
)

// allocDecision tells a worker what to do with the environment it was handed.
type allocDecision int

const (
	allocAccepted allocDecision = iota
	// allocRejected means the worker owns the environment and must release it.
	allocRejected
	// allocHeld means the tracker already holds the environment and releases it itself.
	allocHeld
)

// update is how workers report progress to the event loop, which alone mutates trackers.
type update struct {
	kind  updateKind
	id    string
	env   types.EnvironmentDescriptor
	err   error
	reply chan<- allocDecision
}

// execution is the state of a single Run call.
type execution struct {
	o     *Orchestrator
	req   *types.ExecutionRequest
	specs []types.SubSuiteSpec
	log   log.Logger

	// Owned by the event loop.
	trackers   map[string]*tracker.Tracker
	order      []string
	cancels    map[string]context.CancelFunc
	holdsSlot  map[string]bool
	failedFast bool
	finalizing bool

	slots   *semaphore.Weighted
	updates chan update
	cleanup sync.WaitGroup
	start   time.Time
}

func newExecution(o *Orchestrator, req *types.ExecutionRequest, specs []types.SubSuiteSpec) *execution {
	e := &execution{
		o:         o,
		req:       req,
		specs:     specs,
		log:       o.log.New("correlation_id", req.CorrelationID),
		trackers:  make(map[string]*tracker.Tracker, len(specs)),
		cancels:   make(map[string]context.CancelFunc, len(specs)),
		holdsSlot: make(map[string]bool),
		updates:   make(chan update, 4*len(specs)),
	}
	if o.cfg.MaxConcurrentSubSuites > 0 {
		e.slots = semaphore.NewWeighted(int64(o.cfg.MaxConcurrentSubSuites))
	}
	for _, spec := range specs {
		e.trackers[spec.ID] = tracker.New(spec, o.cfg.SubSuiteTimeout)
		e.order = append(e.order, spec.ID)
	}
	return e
}

func (e *execution) predicate() eventbus.Predicate {
	return eventbus.And(
		eventbus.ByCorrelation(e.req.CorrelationID),
		eventbus.ByKinds(types.KindSubSuiteActivity, types.KindAllocationResult),
	)
}

func (e *execution) run(parent context.Context) (*types.Verdict, error) {
	e.start = time.Now()
	ctx, span := e.o.tracer.Start(parent, fmt.Sprintf("execution %s", e.req.CorrelationID),
		trace.WithAttributes(
			attribute.String("correlation_id", e.req.CorrelationID),
			attribute.Int("sub_suites", len(e.specs)),
		))
	defer span.End()

	// Subscribe before anything is dispatched so no activity can be missed.
	sub, err := e.o.channel.Subscribe(ctx, e.predicate())
	if err != nil {
		span.RecordError(err)
		if !eventbus.IsTransportError(err) {
			err = &eventbus.TransportError{Op: "subscribe", Err: err}
		}
		return nil, err
	}
	metrics.RecordExecutionStarted()
	e.log.Info("Execution started", "sub_suites", len(e.specs))
	e.announce(ctx, "[ESR] Starting tests", fmt.Sprintf("Starting %d sub suites", len(e.specs)), "info")

	execCtx, cancelExec := context.WithTimeout(ctx, e.o.cfg.ExecutionTimeout)
	defer cancelExec()
	workersCtx, cancelWorkers := context.WithCancel(execCtx)
	defer cancelWorkers()
	workersDone := e.launchWorkers(workersCtx)

	sub, transportErr := e.loop(execCtx, sub)

	deadlineExceeded := false
	switch {
	case transportErr != nil:
		e.log.Error("Event channel lost", "err", transportErr)
		e.forceTerminal(func(tr *tracker.Tracker) bool { return tr.Fail(transportErr) })
	case parent.Err() != nil:
		n := e.forceTerminal(func(tr *tracker.Tracker) bool { return tr.TimeOut(ErrExecutionCancelled) })
		e.log.Warn("Execution cancelled", "stragglers", n)
	case execCtx.Err() != nil:
		n := e.forceTerminal(func(tr *tracker.Tracker) bool { return tr.TimeOut(ErrExecutionTimeout) })
		deadlineExceeded = n > 0
		e.log.Warn("Execution deadline exceeded", "stragglers", n)
	}
	if sub != nil {
		_ = sub.Close()
	}
	cancelWorkers()
	e.drain(workersDone)

	end := time.Now()
	verdict := types.Aggregate(e.req.CorrelationID, e.results(), deadlineExceeded, e.start, end)
	span.SetAttributes(attribute.String("outcome", string(verdict.Outcome)))

	publishErr := e.publishVerdict(parent, verdict)
	if publishErr == nil {
		e.announce(parent, "[ESR] Test suite finished", verdict.Description, "info")
	}
	e.cleanup.Wait()

	metrics.RecordExecution(string(verdict.Outcome), end.Sub(e.start))
	e.log.Info("Execution finished", "outcome", verdict.Outcome, "label", verdict.Label,
		"description", verdict.Description, "duration", end.Sub(e.start))

	if transportErr != nil {
		return verdict, transportErr
	}
	return verdict, publishErr
}

// loop consumes events and worker updates until every tracker is terminal, ctx is done or the
// subscription cannot be re-established.
func (e *execution) loop(ctx context.Context, sub eventbus.Subscription) (eventbus.Subscription, error) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for !e.allTerminal() {
		var expiry <-chan time.Time
		if d, ok := e.nextExpiry(); ok {
			timer.Reset(d)
			expiry = timer.C
		} else {
			timer.Stop()
		}

		select {
		case <-ctx.Done():
			return sub, nil
		case ev, ok := <-sub.Events():
			if ok {
				e.handleEvent(ctx, ev)
				continue
			}
			if ctx.Err() != nil {
				return nil, nil
			}
			e.log.Warn("Subscription ended, resubscribing", "err", sub.Err())
			next, err := e.o.channel.Subscribe(ctx, e.predicate())
			if err != nil {
				if ctx.Err() != nil {
					return nil, nil
				}
				if !eventbus.IsTransportError(err) {
					err = &eventbus.TransportError{Op: "subscribe", Err: err}
				}
				return nil, err
			}
			sub = next
		case u := <-e.updates:
			e.handleUpdate(ctx, u)
		case now := <-expiry:
			e.expire(now)
		}
	}
	return sub, nil
}

func (e *execution) handleEvent(ctx context.Context, ev types.Event) {
	tr, ok := e.trackers[ev.SubSuiteID]
	if !ok {
		e.log.Warn("Dropping event for unknown sub-suite", "sub_suite", ev.SubSuiteID, "kind", ev.Kind, "id", ev.ID)
		metrics.RecordEventDropped("unknown_sub_suite")
		return
	}

	from := tr.State()
	if !tr.Apply(ev) {
		return
	}
	e.log.Debug("Sub-suite transition", "sub_suite", tr.ID(), "from", from, "to", tr.State(), "event", ev.Kind)

	if ev.Kind == types.KindAllocationResult && tr.State() == types.StateEnvironmentPending {
		// The provider answered on the bus, so the worker's own allocation is no longer needed.
		if cancel, ok := e.cancels[tr.ID()]; ok {
			cancel()
		}
		e.dispatchAsync(ctx, tr.Spec(), *tr.Environment())
	}
	if tr.Terminal() {
		e.onTerminal(tr)
	}
}

func (e *execution) handleUpdate(ctx context.Context, u update) {
	tr := e.trackers[u.id]
	switch u.kind {
	case updateSlotAcquired:
		if tr.Terminal() {
			e.releaseSlot()
		} else {
			e.holdsSlot[u.id] = true
		}
	case updateAllocated:
		decision := decideAllocation(tr, u.env)
		u.reply <- decision
		if decision == allocAccepted {
			e.log.Debug("Sub-suite transition", "sub_suite", u.id, "to", tr.State(), "environment", u.env.ID)
		}
	case updateDispatched:
		if tr.Dispatched() {
			e.log.Debug("Sub-suite transition", "sub_suite", u.id, "to", tr.State())
		}
	case updateFailed:
		if tr.Fail(u.err) {
			e.onTerminal(tr)
		}
	}
}

// decideAllocation applies an environment a worker obtained. An environment the tracker already
// holds, for instance one that also arrived as an allocation result event, must not be released
// by the worker.
func decideAllocation(tr *tracker.Tracker, env types.EnvironmentDescriptor) allocDecision {
	if held := tr.Environment(); held != nil && held.ID == env.ID {
		return allocHeld
	}
	if tr.EnvironmentAllocated(env) {
		return allocAccepted
	}
	return allocRejected
}

func (e *execution) expire(now time.Time) {
	for _, id := range e.order {
		tr := e.trackers[id]
		if tr.Expired(now) && tr.TimeOut(fmt.Errorf("%w after %s", tracker.ErrSubSuiteTimeout, e.o.cfg.SubSuiteTimeout)) {
			e.onTerminal(tr)
		}
	}
}

func (e *execution) onTerminal(tr *tracker.Tracker) {
	id := tr.ID()
	e.log.Info("Sub-suite finished", "sub_suite", id, "state", tr.State(), "outcome", tr.Outcome(), "cause", tr.Cause())
	metrics.RecordSubSuite(string(tr.State()), string(tr.Outcome()))

	if e.holdsSlot[id] {
		delete(e.holdsSlot, id)
		e.releaseSlot()
	}
	if cancel, ok := e.cancels[id]; ok {
		cancel()
	}
	if env := tr.Environment(); env != nil {
		notify := tr.State() == types.StateTimedOut || tr.State() == types.StateAborted
		e.cleanupSubSuite(tr.Spec(), *env, notify, tr.Cause())
	}

	if e.o.cfg.FailFast && !e.finalizing && !e.failedFast && tr.Outcome() != types.OutcomeSuccess {
		e.failedFast = true
		e.log.Warn("Fail-fast: aborting remaining sub-suites", "failed", id, "outcome", tr.Outcome())
		cause := fmt.Errorf("%w: %s ended with %s", ErrAborted, id, tr.Outcome())
		for _, other := range e.order {
			if sibling := e.trackers[other]; sibling.Abort(cause) {
				e.onTerminal(sibling)
			}
		}
	}
}

// forceTerminal applies mark to every non-terminal tracker and returns how many it changed.
func (e *execution) forceTerminal(mark func(*tracker.Tracker) bool) int {
	e.finalizing = true
	n := 0
	for _, id := range e.order {
		if tr := e.trackers[id]; mark(tr) {
			n++
			e.onTerminal(tr)
		}
	}
	return n
}

func (e *execution) allTerminal() bool {
	for _, tr := range e.trackers {
		if !tr.Terminal() {
			return false
		}
	}
	return true
}

func (e *execution) nextExpiry() (time.Duration, bool) {
	var earliest time.Time
	for _, tr := range e.trackers {
		if deadline, ok := tr.Deadline(); ok && (earliest.IsZero() || deadline.Before(earliest)) {
			earliest = deadline
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	return max(time.Until(earliest), 0), true
}

func (e *execution) results() []types.SubSuiteResult {
	results := make([]types.SubSuiteResult, 0, len(e.order))
	for _, id := range e.order {
		results = append(results, e.trackers[id].Result())
	}
	return results
}

func (e *execution) releaseSlot() {
	if e.slots != nil {
		e.slots.Release(1)
	}
}

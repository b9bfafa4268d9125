package turnstile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wayfarer/turnstile/core"
	"github.com/wayfarer/turnstile/internal/telemetry"
)

const unboundedCapacity = int(^uint(0) >> 1)

// Aggregator transforms the sorted inputs of a fully-arrived counted
// barrier group into an equal-length list of results. It must not change
// the length of its input; a length mismatch is reported as
// ErrBadAggregatorOutput. A panic inside Aggregator is recovered and
// delivered to every waiting arrival as the same cause.
type Aggregator[T any] func(sorted []T) ([]T, error)

// Launcher runs fn on some executor. CountedBarrierController uses it only
// when SetCapacity or notifyError triggers the final aggregation from a caller that is
// not itself one of the arrived fibers and therefore cannot run the
// aggregation inline. The default is a bare goroutine; BatchDispatcher.Launch
// wires this to a shared ants.Pool instead of an ambient default.
type Launcher func(fn func())

func goLauncher(fn func()) { go fn() }

type memberState[T any] struct {
	barrier barrierHandle[T]
	blocked bool
}

// CountedOption configures a CountedBarrierController at construction.
type CountedOption[T core.Ordered] func(*CountedBarrierController[T])

// WithCapacity sets the arrival count at which the group auto-lifts.
// Without it the controller starts effectively unbounded until SetCapacity
// is called.
func WithCapacity[T core.Ordered](capacity int) CountedOption[T] {
	return func(c *CountedBarrierController[T]) {
		c.capacity = capacity
	}
}

// WithAggregator installs the aggregate action run over sorted arrivals at
// lift time. Without one, arrivals are lifted with their own inputs.
func WithAggregator[T core.Ordered](agg Aggregator[T]) CountedOption[T] {
	return func(c *CountedBarrierController[T]) {
		c.aggregator = agg
	}
}

// WithLauncher supplies the executor used for capacity-change-triggered
// aggregation.
func WithLauncher[T core.Ordered](launch Launcher) CountedOption[T] {
	return func(c *CountedBarrierController[T]) {
		c.launch = launch
	}
}

// WithCountedLogger attaches a diagnostic sink to the controller.
func WithCountedLogger[T core.Ordered](logger telemetry.Logger) CountedOption[T] {
	return func(c *CountedBarrierController[T]) {
		c.logger = logger.WithModule("counted_barrier_controller")
	}
}

// CountedBarrierController lifts its member barriers automatically once a
// configured number have arrived, optionally running an aggregate
// transformation over them first.
type CountedBarrierController[T core.Ordered] struct {
	mu sync.Mutex

	capacity              int
	registeredCount       int
	arrivalCount          int
	members               []*memberState[T]
	interrupted           bool
	shouldExpectAbsentees bool

	aggregator Aggregator[T]
	launch     Launcher
	logger     telemetry.Logger

	// groupFailureHook lets the orchestrator learn when this controller's own
	// aggregate action fails, so it can cascade notifyError to sibling
	// counted controllers while skipping this one, identified by reference.
	// Set once by PipelineBuilder.Build; nil for a standalone controller.
	groupFailureHook func(origin errorNotifiable, cause error)
}

// attachGroupFailureHook wires fn to run whenever this controller's
// aggregate action fails. Unexported: only PipelineBuilder calls it.
func (c *CountedBarrierController[T]) attachGroupFailureHook(fn func(origin errorNotifiable, cause error)) {
	c.mu.Lock()
	c.groupFailureHook = fn
	c.mu.Unlock()
}

// attachLauncher replaces the executor used for capacity-change-triggered
// aggregation. Unexported: PipelineBuilder.Build calls it for every counted
// controller it owns, wiring in the pipeline's own BatchDispatcher in
// place of the bare-goroutine default.
func (c *CountedBarrierController[T]) attachLauncher(launch Launcher) {
	c.mu.Lock()
	c.launch = launch
	c.mu.Unlock()
}

// NewCountedBarrierController constructs a controller. Capacity defaults to
// effectively unbounded until WithCapacity or SetCapacity is used.
func NewCountedBarrierController[T core.Ordered](opts ...CountedOption[T]) *CountedBarrierController[T] {
	c := &CountedBarrierController[T]{
		capacity: unboundedCapacity,
		launch:   goLauncher,
		logger:   telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register mints a fresh Barrier and runs onBarrierCreated bookkeeping.
func (c *CountedBarrierController[T]) Register() (*Barrier[T], error) {
	b := newBarrier[T](c, c.logger)
	if err := c.onBarrierCreated(b); err != nil {
		return nil, err
	}
	return b, nil
}

// GetCapacity returns the currently configured capacity.
func (c *CountedBarrierController[T]) GetCapacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// ArrivalCount returns the number of barriers currently Armed and blocked
// at this controller.
func (c *CountedBarrierController[T]) ArrivalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.arrivalCount
}

// RegisteredCount returns the number of live registrations.
func (c *CountedBarrierController[T]) RegisteredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registeredCount
}

func (c *CountedBarrierController[T]) atCapacityLocked() bool {
	return c.arrivalCount >= c.capacity
}

// self identifies this controller for the orchestrator's self-notification
// guard.
func (c *CountedBarrierController[T]) self() any { return c }

// SetCapacity changes the arrival threshold. It rejects a new capacity
// below the current registeredCount. If the new capacity is immediately
// met by already-arrived barriers, aggregation runs on a freshly launched
// fiber, since the caller here is never one of the arrivals itself.
func (c *CountedBarrierController[T]) SetCapacity(n int) error {
	c.mu.Lock()
	if n < c.registeredCount {
		c.mu.Unlock()
		return ErrCapacityBelowRegistered
	}
	c.capacity = n
	trigger := c.atCapacityLocked() && c.arrivalCount > 0
	c.mu.Unlock()

	if trigger {
		c.spawnFinal()
	}
	return nil
}

// notifyError is the orchestrator's failure-cascade contact point: it
// truncates registeredCount to newCapacity, marks that absentees are now
// expected, and runs aggregation if that truncation happens to already
// satisfy capacity.
func (c *CountedBarrierController[T]) notifyError(newCapacity int) {
	if newCapacity < 0 {
		newCapacity = 0
	}
	c.mu.Lock()
	if newCapacity < c.registeredCount {
		c.registeredCount = newCapacity
	}
	c.shouldExpectAbsentees = true
	c.capacity = newCapacity
	trigger := c.atCapacityLocked() && c.arrivalCount > 0
	c.mu.Unlock()

	if trigger {
		c.spawnFinal()
	}
}

func (c *CountedBarrierController[T]) spawnFinal() {
	launch := c.launch
	if launch == nil {
		launch = goLauncher
	}
	launch(func() {
		if err := c.onFinalInputPushed(context.Background()); err != nil {
			c.logger.Error("counted barrier aggregation failed", telemetry.Err(err))
		}
	})
}

func (c *CountedBarrierController[T]) knownLocked(b barrierHandle[T]) int {
	for i, m := range c.members {
		if m.barrier == b {
			return i
		}
	}
	return -1
}

// onBarrierCreated registers a fresh barrier as a pending member, rejecting
// it if the controller is already full or the barrier is already known.
func (c *CountedBarrierController[T]) onBarrierCreated(b barrierHandle[T]) error {
	c.mu.Lock()
	if c.knownLocked(b) >= 0 {
		c.mu.Unlock()
		return ErrDuplicateRegistration
	}
	if c.interrupted {
		c.mu.Unlock()
		b.Interrupt()
		return nil
	}
	if c.registeredCount+1 > c.capacity {
		c.mu.Unlock()
		return ErrCapacityExceeded
	}
	c.registeredCount++
	c.members = append(c.members, &memberState[T]{barrier: b})
	c.mu.Unlock()
	return nil
}

// onBarrierBlocked records one member's arrival and, if it completes the
// group, runs the final aggregation. The controller lock is released
// before the possible aggregation suspension so other members can still
// arrive concurrently.
func (c *CountedBarrierController[T]) onBarrierBlocked(ctx context.Context, b barrierHandle[T]) error {
	c.mu.Lock()
	idx := c.knownLocked(b)
	if idx < 0 {
		interrupted := c.interrupted
		c.mu.Unlock()
		if interrupted {
			return nil
		}
		return ErrUnknownBarrier
	}
	if c.members[idx].blocked {
		c.mu.Unlock()
		return ErrDoubleBlock
	}
	c.members[idx].blocked = true
	c.arrivalCount++
	trigger := c.arrivalCount == c.capacity
	c.mu.Unlock()

	if trigger {
		return c.onFinalInputPushed(ctx)
	}
	return nil
}

// onBarrierInterrupted makes the whole group interrupted and cascades to
// every sibling, without re-notifying the barrier that originated the
// cascade.
func (c *CountedBarrierController[T]) onBarrierInterrupted(b barrierHandle[T]) error {
	c.mu.Lock()
	idx := c.knownLocked(b)
	if idx < 0 {
		if c.interrupted {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		return ErrUnknownBarrier
	}

	c.interrupted = true
	siblings := make([]barrierHandle[T], 0, len(c.members)-1)
	for i, m := range c.members {
		if i != idx {
			siblings = append(siblings, m.barrier)
		}
	}
	c.members = nil
	c.mu.Unlock()

	for _, sib := range siblings {
		sib.Interrupt()
	}
	return nil
}

// onFinalInputPushed runs the aggregation and lift phase, either inline on
// the last arriving fiber or on a launched fiber when a capacity change
// triggered it.
func (c *CountedBarrierController[T]) onFinalInputPushed(_ context.Context) error {
	started := time.Now()
	c.mu.Lock()
	blocked := make([]*memberState[T], 0, len(c.members))
	for _, m := range c.members {
		if m.blocked {
			blocked = append(blocked, m)
		}
	}
	absentees := len(c.members) - len(blocked)
	expectAbsentees := c.shouldExpectAbsentees
	aggregator := c.aggregator
	c.members = nil
	c.arrivalCount = 0
	c.registeredCount = 0
	c.shouldExpectAbsentees = false
	c.mu.Unlock()

	if absentees != 0 && !expectAbsentees {
		err := fmt.Errorf("%w: %d absentee(s) with no prior failure signal", ErrInternalInvariant, absentees)
		c.failAll(blocked, err)
		return err
	}

	inputs := make([]T, len(blocked))
	for i, m := range blocked {
		v, ok := m.barrier.Input()
		if !ok {
			err := fmt.Errorf("%w: blocked barrier missing captured input", ErrInternalInvariant)
			c.failAll(blocked, err)
			return err
		}
		inputs[i] = v
	}

	results := inputs
	if aggregator != nil {
		sortedInputs, replayer := newSortReplayer(inputs)

		sortedOutputs, err := runAggregator(aggregator, sortedInputs)
		if err != nil {
			c.failAll(blocked, err)
			return err
		}
		if len(sortedOutputs) != len(sortedInputs) {
			err := fmt.Errorf("%w: aggregator returned %d results for %d inputs",
				ErrBadAggregatorOutput, len(sortedOutputs), len(sortedInputs))
			c.failAll(blocked, err)
			return err
		}
		results = replayer.Reverse(sortedOutputs)
	}

	for i, m := range blocked {
		m.barrier.LiftWith(results[i])
	}
	c.logger.Debug("counted barrier group lifted",
		telemetry.Int("count", len(blocked)),
		telemetry.Duration("aggregation_time", time.Since(started)))
	return nil
}

func (c *CountedBarrierController[T]) failAll(blocked []*memberState[T], err error) {
	for _, m := range blocked {
		if failable, ok := m.barrier.(interface{ interruptWithCause(error) }); ok {
			failable.interruptWithCause(err)
		} else {
			m.barrier.Interrupt()
		}
	}
	c.logger.Error("counted barrier aggregation aborted", telemetry.Err(err), telemetry.Int("count", len(blocked)))

	c.mu.Lock()
	hook := c.groupFailureHook
	c.mu.Unlock()
	if hook != nil {
		hook(c, err)
	}
}

func runAggregator[T any](agg Aggregator[T], sorted []T) (out []T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("aggregate action panicked: %v", r)
		}
	}()
	return agg(sorted)
}

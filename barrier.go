package turnstile

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wayfarer/turnstile/core"
	"github.com/wayfarer/turnstile/internal/telemetry"
)

var barrierSeq atomic.Uint64

// barrierHandle is the narrow surface a controller needs to drive a barrier
// it owns: Lift/LiftWith/Interrupt/Input. *Barrier[T] satisfies it
// structurally, which is what lets counted_controller_test.go substitute a
// bare fakeHandle stand-in for a real barrier.
type barrierHandle[T any] interface {
	Lift()
	LiftWith(result T)
	Interrupt()
	Input() (T, bool)
}

// barrierOwner is the callback surface a Barrier drives on its controller.
// onBarrierBlocked may suspend; onBarrierInterrupted must not.
type barrierOwner[T any] interface {
	onBarrierBlocked(ctx context.Context, b barrierHandle[T]) error
	onBarrierInterrupted(b barrierHandle[T]) error
}

// Barrier is a single-use suspend-until-lifted rendezvous point. A Barrier
// is created fresh for every arrival at a barrier step; it is consumed the
// moment it transitions to Lifted or Interrupted.
type Barrier[T any] struct {
	id uint64

	mu             sync.Mutex
	state          core.BarrierState
	input          T
	hasInput       bool
	overrideResult T
	hasOverride    bool
	invoked        bool
	release        chan struct{}
	terminalErr    error

	owner  barrierOwner[T]
	logger telemetry.Logger
}

// newBarrier constructs a Fresh barrier owned by owner. owner may be nil for
// standalone use.
func newBarrier[T any](owner barrierOwner[T], logger telemetry.Logger) *Barrier[T] {
	if logger == nil {
		logger = telemetry.Noop()
	}
	return &Barrier[T]{
		id:      barrierSeq.Add(1),
		state:   core.Fresh,
		release: make(chan struct{}),
		owner:   owner,
		logger:  logger,
	}
}

// NewBarrier constructs a standalone Fresh barrier with no owning
// controller. Useful for one-off rendezvous points outside a
// ManualBarrierController/CountedBarrierController.
func NewBarrier[T any]() *Barrier[T] {
	return newBarrier[T](nil, nil)
}

// State returns the barrier's current state.
func (b *Barrier[T]) State() core.BarrierState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Invoke records input, arms the barrier, and suspends until it is lifted
// or interrupted. It returns (result, true, nil) when the barrier resolves
// with a value, (zero, false, nil/cause) when it resolves absent, and
// otherwise a non-nil error only for AlreadyInvoked, a failure surfaced by
// the owning controller's onBarrierBlocked callback, or ctx's error when ctx
// is done before release (the barrier is then interrupted).
func (b *Barrier[T]) Invoke(ctx context.Context, input T) (T, bool, error) {
	var zero T

	b.mu.Lock()
	if b.invoked {
		b.mu.Unlock()
		return zero, false, ErrAlreadyInvoked
	}
	b.invoked = true
	b.input = input
	b.hasInput = true

	priorState := b.state
	if priorState == core.Fresh {
		b.state = core.Armed
	}

	switch priorState {
	case core.Lifted, core.Interrupted:
		// Key policy: lift or interrupt raced ahead of invoke. Resolve
		// immediately and never call onBarrierBlocked.
		result, ok, err := b.resultLocked()
		b.mu.Unlock()
		return result, ok, err
	}

	owner := b.owner
	b.mu.Unlock()

	if owner != nil {
		if err := owner.onBarrierBlocked(ctx, b); err != nil {
			return zero, false, err
		}
	}

	select {
	case <-b.release:
	case <-ctx.Done():
		b.Interrupt()
		return zero, false, ctx.Err()
	}

	b.mu.Lock()
	result, ok, err := b.resultLocked()
	b.mu.Unlock()
	return result, ok, err
}

// resultLocked must be called with mu held and the barrier in a terminal
// state. An Interrupted barrier resolves absent with its recorded cause.
// Otherwise an override supplied by LiftWith wins, then the arrival's own
// input; with neither, the zero value is returned as a present result.
func (b *Barrier[T]) resultLocked() (T, bool, error) {
	var zero T
	if b.state == core.Interrupted {
		return zero, false, b.terminalErr
	}
	if b.hasOverride {
		return b.overrideResult, true, nil
	}
	if b.hasInput {
		return b.input, true, nil
	}
	return zero, true, nil
}

// Lift transitions Fresh|Armed -> Lifted, delivering the barrier's own
// captured input as the result. A second call, or a call after Interrupt
// has already won, is a no-op.
func (b *Barrier[T]) Lift() {
	var zero T
	b.transitionToLifted(false, zero)
}

// LiftWith is Lift, but overrides the delivered result. Once a barrier is
// already Lifted a second LiftWith does not overwrite the first result.
func (b *Barrier[T]) LiftWith(result T) {
	b.transitionToLifted(true, result)
}

func (b *Barrier[T]) transitionToLifted(override bool, result T) {
	b.mu.Lock()
	switch b.state {
	case core.Lifted, core.Interrupted:
		b.mu.Unlock()
		return
	default:
		b.state = core.Lifted
		if override {
			b.overrideResult = result
			b.hasOverride = true
		}
		b.mu.Unlock()
		close(b.release)
	}
}

// Interrupt transitions Fresh|Armed -> Interrupted, waking any in-flight
// Invoke to return the absent value. It notifies the owning controller via
// onBarrierInterrupted exactly once. A no-op once the barrier is already
// terminal.
func (b *Barrier[T]) Interrupt() {
	b.interrupt(nil, true)
}

// interruptWithCause is Interrupt, but records err as the cause delivered
// to the waiting Invoke call, and never re-enters the owner (used by
// CountedBarrierController to fail every blocked arrival with the same
// cause when its own aggregate action fails).
func (b *Barrier[T]) interruptWithCause(err error) {
	b.interrupt(err, false)
}

func (b *Barrier[T]) interrupt(cause error, notifyOwner bool) {
	b.mu.Lock()
	switch b.state {
	case core.Lifted, core.Interrupted:
		b.mu.Unlock()
		return
	default:
		b.state = core.Interrupted
		b.terminalErr = cause
		owner := b.owner
		b.mu.Unlock()
		close(b.release)
		if notifyOwner && owner != nil {
			if err := owner.onBarrierInterrupted(b); err != nil {
				b.logger.Error("onBarrierInterrupted callback failed", telemetry.Err(err))
			}
		}
	}
}

// Input returns the value captured at invoke time, if any. It is exposed
// for controllers that must read an arrived barrier's input outside the
// invoking goroutine (the aggregation phase of CountedBarrierController).
func (b *Barrier[T]) Input() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	if !b.hasInput {
		return zero, false
	}
	return b.input, true
}

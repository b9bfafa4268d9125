package turnstile

import (
	"context"
	"sync"

	"github.com/wayfarer/turnstile/internal/telemetry"
)

// ManualBarrierOption configures a ManualBarrierController at construction.
type ManualBarrierOption[T any] func(*ManualBarrierController[T])

// WithPersistentLatch makes the controller's lift permanent: once Lift is
// called once, every subsequently registered barrier is lifted immediately
// instead of accumulating. The default is per-cycle: Lift empties the
// member set and the controller stays reusable for a fresh round of
// registrations.
func WithPersistentLatch[T any]() ManualBarrierOption[T] {
	return func(m *ManualBarrierController[T]) {
		m.persistent = true
	}
}

// WithManualLogger attaches a diagnostic sink to the controller.
func WithManualLogger[T any](logger telemetry.Logger) ManualBarrierOption[T] {
	return func(m *ManualBarrierController[T]) {
		m.logger = logger.WithModule("manual_barrier_controller")
	}
}

// ManualBarrierController lifts a group of barriers together when
// externally signaled, rather than automatically at some arrival count.
type ManualBarrierController[T any] struct {
	mu      sync.Mutex
	members []barrierHandle[T]

	persistent bool
	latched    bool

	logger telemetry.Logger
}

// NewManualBarrierController constructs an empty, reusable controller.
func NewManualBarrierController[T any](opts ...ManualBarrierOption[T]) *ManualBarrierController[T] {
	m := &ManualBarrierController[T]{logger: telemetry.Noop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register mints a fresh Barrier owned by this controller. If the
// controller's latch was permanently armed by an earlier Lift (only
// possible under WithPersistentLatch), the new barrier is lifted
// immediately instead of joining the member set.
func (m *ManualBarrierController[T]) Register() (*Barrier[T], error) {
	m.mu.Lock()
	if m.persistent && m.latched {
		m.mu.Unlock()
		b := newBarrier[T](m, m.logger)
		b.Lift()
		return b, nil
	}
	b := newBarrier[T](m, m.logger)
	m.members = append(m.members, b)
	m.mu.Unlock()
	return b, nil
}

// Lift atomically lifts every currently-registered member, in registration
// order, with each barrier's own captured input, then empties the member
// set.
func (m *ManualBarrierController[T]) Lift() {
	m.mu.Lock()
	members := m.members
	m.members = nil
	if m.persistent {
		m.latched = true
	}
	m.mu.Unlock()

	for _, b := range members {
		b.Lift()
	}
	m.logger.Debug("manual barrier group lifted", telemetry.Int("count", len(members)))
}

// Interrupt interrupts every currently-registered member and empties the
// member set.
func (m *ManualBarrierController[T]) Interrupt() {
	m.mu.Lock()
	members := m.members
	m.members = nil
	m.mu.Unlock()

	for _, b := range members {
		b.Interrupt()
	}
}

// Len returns the number of barriers currently registered and not yet
// lifted or interrupted.
func (m *ManualBarrierController[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.members)
}

func (m *ManualBarrierController[T]) onBarrierBlocked(_ context.Context, _ barrierHandle[T]) error {
	m.logger.Debug("barrier arrived at manual group")
	return nil
}

// onBarrierInterrupted removes b from the member set. Sparse failures are
// tolerated: interruption of one member never cascades to its siblings.
func (m *ManualBarrierController[T]) onBarrierInterrupted(b barrierHandle[T]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, mem := range m.members {
		if mem == b {
			m.members = append(m.members[:i], m.members[i+1:]...)
			return nil
		}
	}
	return nil
}

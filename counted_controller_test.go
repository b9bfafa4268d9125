package turnstile

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/wayfarer/turnstile/core"
)

// fakeHandle is a bare barrierHandle stand-in for exercising a controller's
// unexported bookkeeping methods directly, without a real Barrier's state
// machine or owner callbacks getting in the way.
type fakeHandle[T any] struct {
	input T
	has   bool
}

func (f *fakeHandle[T]) Lift()            {}
func (f *fakeHandle[T]) LiftWith(T)       {}
func (f *fakeHandle[T]) Interrupt()       {}
func (f *fakeHandle[T]) Input() (T, bool) { return f.input, f.has }

func TestCountedController_OnBarrierCreatedRejectsDuplicateRegistration(t *testing.T) {
	ctrl := NewCountedBarrierController[string](WithCapacity[string](2))
	h := &fakeHandle[string]{}

	assert.NoError(t, ctrl.onBarrierCreated(h))
	err := ctrl.onBarrierCreated(h)
	assert.ErrorIs(t, err, ErrDuplicateRegistration)
}

func TestCountedController_OnBarrierBlockedRejectsUnknownBarrier(t *testing.T) {
	ctrl := NewCountedBarrierController[string](WithCapacity[string](2))
	h := &fakeHandle[string]{input: "a", has: true}

	err := ctrl.onBarrierBlocked(context.Background(), h)
	assert.ErrorIs(t, err, ErrUnknownBarrier)
}

func TestCountedController_OnBarrierBlockedRejectsDoubleBlock(t *testing.T) {
	ctrl := NewCountedBarrierController[string](WithCapacity[string](2))
	h := &fakeHandle[string]{input: "a", has: true}

	assert.NoError(t, ctrl.onBarrierCreated(h))
	assert.NoError(t, ctrl.onBarrierBlocked(context.Background(), h))

	err := ctrl.onBarrierBlocked(context.Background(), h)
	assert.ErrorIs(t, err, ErrDoubleBlock)
}

func invokeAsync[T any](b *Barrier[T], input T) <-chan struct {
	result T
	ok     bool
	err    error
} {
	ch := make(chan struct {
		result T
		ok     bool
		err    error
	}, 1)
	go func() {
		r, ok, err := b.Invoke(context.Background(), input)
		ch <- struct {
			result T
			ok     bool
			err    error
		}{r, ok, err}
	}()
	return ch
}

// With capacity 2, arrivals in order, and no aggregator, each member is
// lifted with its own captured input.
func TestCountedController_PlainReleaseInArrivalOrder(t *testing.T) {
	ctrl := NewCountedBarrierController[string](WithCapacity[string](2))

	b1, err := ctrl.Register()
	assert.NoError(t, err)
	b2, err := ctrl.Register()
	assert.NoError(t, err)

	ch1 := invokeAsync(b1, "first")
	assert.Eventually(t, func() bool { return ctrl.ArrivalCount() == 1 }, time.Second, time.Millisecond)

	ch2 := invokeAsync(b2, "second")

	r1 := <-ch1
	r2 := <-ch2
	assert.NoError(t, r1.err)
	assert.True(t, r1.ok)
	assert.Equal(t, "first", r1.result)
	assert.NoError(t, r2.err)
	assert.True(t, r2.ok)
	assert.Equal(t, "second", r2.result)

	assert.Equal(t, 0, ctrl.ArrivalCount())
	assert.Equal(t, 0, ctrl.RegisteredCount())
}

// SetCapacity raised permits a registration that capacity had refused.
func TestCountedController_SetCapacityRaisedPermitsRegistration(t *testing.T) {
	ctrl := NewCountedBarrierController[string](WithCapacity[string](1))

	b1, err := ctrl.Register()
	assert.NoError(t, err)

	_, err = ctrl.Register()
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	assert.NoError(t, ctrl.SetCapacity(2))
	b2, err := ctrl.Register()
	assert.NoError(t, err)

	ch1 := invokeAsync(b1, "a")
	assert.Eventually(t, func() bool { return ctrl.ArrivalCount() == 1 }, time.Second, time.Millisecond)
	ch2 := invokeAsync(b2, "b")

	r1, r2 := <-ch1, <-ch2
	assert.True(t, r1.ok)
	assert.True(t, r2.ok)
}

func TestCountedController_SetCapacityBelowRegisteredRejected(t *testing.T) {
	ctrl := NewCountedBarrierController[string](WithCapacity[string](2))
	_, err := ctrl.Register()
	assert.NoError(t, err)
	_, err = ctrl.Register()
	assert.NoError(t, err)

	err = ctrl.SetCapacity(1)
	assert.ErrorIs(t, err, ErrCapacityBelowRegistered)
}

// A failure cascade (notifyError) that shrinks capacity down to the number
// already arrived must trigger the final aggregation on the spot.
func TestCountedController_NotifyErrorTriggersFinalizationAtArrivalCount(t *testing.T) {
	ctrl := NewCountedBarrierController[string](WithCapacity[string](3))
	b1, _ := ctrl.Register()
	b2, _ := ctrl.Register()
	b3, _ := ctrl.Register()

	ch1 := invokeAsync(b1, "one")
	ch2 := invokeAsync(b2, "two")
	assert.Eventually(t, func() bool { return ctrl.ArrivalCount() == 2 }, time.Second, time.Millisecond)

	ctrl.notifyError(2)

	r1 := <-ch1
	r2 := <-ch2
	assert.True(t, r1.ok)
	assert.True(t, r2.ok)
	// b3 was never invoked and is now an accepted absentee: the group
	// finalized without it rather than waiting forever.
	assert.Equal(t, core.Fresh, b3.State())
}

// An aggregator runs over sorted arrivals and each out-of-order arrival
// still receives the result matching its own input.
func TestCountedController_AggregatorOverOutOfOrderArrivals(t *testing.T) {
	upper := func(sorted []string) ([]string, error) {
		out := make([]string, len(sorted))
		for i, s := range sorted {
			out[i] = strings.ToUpper(s)
		}
		return out, nil
	}
	ctrl := NewCountedBarrierController[string](WithCapacity[string](3), WithAggregator[string](upper))

	bCherry, _ := ctrl.Register()
	bApple, _ := ctrl.Register()
	bBanana, _ := ctrl.Register()

	// Arrive out of sorted order: cherry, then apple, then banana.
	chCherry := invokeAsync(bCherry, "cherry")
	assert.Eventually(t, func() bool { return ctrl.ArrivalCount() == 1 }, time.Second, time.Millisecond)
	chApple := invokeAsync(bApple, "apple")
	assert.Eventually(t, func() bool { return ctrl.ArrivalCount() == 2 }, time.Second, time.Millisecond)
	chBanana := invokeAsync(bBanana, "banana")

	rCherry, rApple, rBanana := <-chCherry, <-chApple, <-chBanana
	assert.Equal(t, "CHERRY", rCherry.result)
	assert.Equal(t, "APPLE", rApple.result)
	assert.Equal(t, "BANANA", rBanana.result)
}

func TestCountedController_AggregatorLengthMismatchFailsEveryone(t *testing.T) {
	truncate := func(sorted []string) ([]string, error) {
		if len(sorted) == 0 {
			return sorted, nil
		}
		return sorted[:len(sorted)-1], nil
	}
	ctrl := NewCountedBarrierController[string](WithCapacity[string](2), WithAggregator[string](truncate))
	b1, _ := ctrl.Register()
	b2, _ := ctrl.Register()

	ch1 := invokeAsync(b1, "a")
	assert.Eventually(t, func() bool { return ctrl.ArrivalCount() == 1 }, time.Second, time.Millisecond)
	ch2 := invokeAsync(b2, "b")

	r1, r2 := <-ch1, <-ch2
	assert.False(t, r1.ok)
	assert.ErrorIs(t, r1.err, ErrBadAggregatorOutput)
	assert.False(t, r2.ok)
	assert.ErrorIs(t, r2.err, ErrBadAggregatorOutput)
}

func TestCountedController_AggregatorPanicRecovered(t *testing.T) {
	panicky := func(sorted []string) ([]string, error) {
		panic("boom")
	}
	ctrl := NewCountedBarrierController[string](WithCapacity[string](1), WithAggregator[string](panicky))
	b1, _ := ctrl.Register()

	_, ok, err := b1.Invoke(context.Background(), "a")
	assert.False(t, ok)
	assert.Error(t, err)
}

// One member's interruption cascades to every other registered sibling,
// but not back to the barrier that started the cascade, and the controller
// stays interrupted for any later registration.
func TestCountedController_InterruptCascades(t *testing.T) {
	ctrl := NewCountedBarrierController[string](WithCapacity[string](3))
	b1, _ := ctrl.Register()
	b2, _ := ctrl.Register()
	b3, _ := ctrl.Register()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); b2.Invoke(context.Background(), "b2") }()
	go func() { defer wg.Done(); b3.Invoke(context.Background(), "b3") }()
	assert.Eventually(t, func() bool { return ctrl.ArrivalCount() == 2 }, time.Second, time.Millisecond)

	b1.Interrupt()
	wg.Wait()

	assert.Equal(t, core.Interrupted, b1.State())
	assert.Equal(t, core.Interrupted, b2.State())
	assert.Equal(t, core.Interrupted, b3.State())

	b4, err := ctrl.Register()
	assert.NoError(t, err)
	assert.Equal(t, core.Interrupted, b4.State())
}

func TestCountedController_UnboundedByDefault(t *testing.T) {
	ctrl := NewCountedBarrierController[string]()
	for i := 0; i < 5; i++ {
		_, err := ctrl.Register()
		assert.NoError(t, err)
	}
	assert.Equal(t, 5, ctrl.RegisteredCount())
}

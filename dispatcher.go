package turnstile

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// ErrorPolicy determines how a BatchDispatcher reacts when one passenger's
// run through the pipeline fails terminally.
type ErrorPolicy string

const (
	// ErrorPolicyCancelAll cancels the context shared by every run of the
	// batch as soon as one passenger fails; a sibling suspended at a barrier
	// is interrupted and returns the context's error.
	ErrorPolicyCancelAll ErrorPolicy = "cancel-all"

	// ErrorPolicyIsolated keeps a passenger's failure local; siblings in the
	// same batch are unaffected.
	ErrorPolicyIsolated ErrorPolicy = "isolated"
)

// BatchDispatcher runs a batch of independently-pushed passengers
// concurrently over a bounded worker pool. It also doubles as the launch
// context a CountedBarrierController needs to spawn the fresh fiber a
// SetCapacity-triggered aggregation runs on: PipelineBuilder.Build wires
// every counted controller it owns to Launch as its Launcher, rather than
// leaving them on the ambient goroutine default.
type BatchDispatcher struct {
	pool   *ants.Pool
	policy ErrorPolicy
}

// NewBatchDispatcher builds a dispatcher backed by a pool of the given size.
// size must be at least 1.
func NewBatchDispatcher(size int, policy ErrorPolicy) (*BatchDispatcher, error) {
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}
	return &BatchDispatcher{pool: pool, policy: policy}, nil
}

// Launch submits fn to the pool. ants.Pool.Submit blocks until a worker is
// free, which is the backpressure PushBatch wants for a bounded batch.
func (d *BatchDispatcher) Launch(fn func()) {
	if err := d.pool.Submit(fn); err != nil {
		// Pool closed or misconfigured: run inline rather than drop work.
		fn()
	}
}

// Release tears down the underlying pool. Call once the pipeline built
// around this dispatcher is discarded.
func (d *BatchDispatcher) Release() {
	d.pool.Release()
}

// runBatch calls run for every index concurrently over the dispatcher's pool,
// applying ErrorPolicy when a run returns a non-nil error. onFailure, if
// non-nil, is invoked exactly once per failing run, before
// ErrorPolicyCancelAll cancels the batch's context.
func (d *BatchDispatcher) runBatch(ctx context.Context, n int, run func(ctx context.Context, index int) error, onFailure func(index int, err error)) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	var mu sync.Mutex
	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		d.Launch(func() {
			defer wg.Done()
			err := run(cancelCtx, i)
			if err != nil {
				mu.Lock()
				errs[i] = err
				mu.Unlock()
				if onFailure != nil {
					onFailure(i, err)
				}
				if d.policy == ErrorPolicyCancelAll {
					cancel()
				}
			}
		})
	}
	wg.Wait()
	return errs
}

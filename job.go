package turnstile

import (
	"context"
	"sync"

	"github.com/wayfarer/turnstile/core"
)

// Job is the external-facing handle returned by PipelineOrchestrator.Push.
type Job[T any] struct {
	tag  string
	done chan struct{}

	mu      sync.Mutex
	result  core.Passenger[T]
	err     error
	current interface{ Interrupt() }
}

func newJob[T any](tag string) *Job[T] {
	return &Job[T]{tag: tag, done: make(chan struct{})}
}

// Tag returns the job repository key this job was registered under.
func (j *Job[T]) Tag() string { return j.tag }

// Wait blocks until the job's pipeline run completes, or ctx is done first.
func (j *Job[T]) Wait(ctx context.Context) (core.Passenger[T], error) {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.result, j.err
	case <-ctx.Done():
		var zero core.Passenger[T]
		return zero, ctx.Err()
	}
}

// Cancel interrupts whatever barrier the job is currently suspended on, if
// any. If the job is between barriers or already finished, Cancel is a
// no-op; the next barrier step it reaches will run normally.
func (j *Job[T]) Cancel() {
	j.mu.Lock()
	cur := j.current
	j.mu.Unlock()
	if cur != nil {
		cur.Interrupt()
	}
}

func (j *Job[T]) setCurrent(b interface{ Interrupt() }) {
	j.mu.Lock()
	j.current = b
	j.mu.Unlock()
}

func (j *Job[T]) clearCurrent() {
	j.mu.Lock()
	j.current = nil
	j.mu.Unlock()
}

func (j *Job[T]) finish(result core.Passenger[T], err error) {
	j.mu.Lock()
	j.result = result
	j.err = err
	j.mu.Unlock()
	close(j.done)
}

package turnstile

import (
	"context"
	"errors"
	"fmt"

	"github.com/wayfarer/turnstile/core"
	"github.com/wayfarer/turnstile/internal/telemetry"
)

// ErrPipelineInterrupted is returned by Job.Wait when a passenger's run was
// terminated because a barrier it was suspended on resolved absent: treat
// the passenger as interrupted and terminate the pipeline for it. It is
// not part of the core.Error taxonomy: an absent barrier result is an
// expected terminal outcome, not a programmer error.
var ErrPipelineInterrupted = errors.New("turnstile: passenger interrupted at barrier")

// PipelineOrchestrator runs passengers through a validated, ordered chain
// of steps, cooperating with barriers along the way. Built by
// PipelineBuilder.Build.
//
// Every barrier step a passenger will pass through is registered with its
// controller up front, at Push time, not lazily when the passenger reaches
// it. This is what lets a controller's registeredCount reflect passengers
// that are still upstream, and is what makes an ordinary step's failure a
// real absentee at every barrier the passenger would have reached.
type PipelineOrchestrator[T core.Ordered] struct {
	chain      stepChain[T]
	dispatcher *BatchDispatcher
	repo       Repository[T]

	counted []*CountedBarrierController[T]
	manual  []*ManualBarrierController[T]

	logger telemetry.Logger
}

// ManualBarriers returns the manual barrier controllers this pipeline owns.
func (p *PipelineOrchestrator[T]) ManualBarriers() []*ManualBarrierController[T] {
	return p.manual
}

// CountedBarriers returns the counted barrier controllers this pipeline
// owns.
func (p *PipelineOrchestrator[T]) CountedBarriers() []*CountedBarrierController[T] {
	return p.counted
}

// Push registers the passenger at every barrier step of the chain, submits
// its run to the dispatcher's pool and returns a Job handle without waiting
// for the run. Submission blocks while every worker of the pool is busy.
func (p *PipelineOrchestrator[T]) Push(ctx context.Context, data T, tag string) (*Job[T], error) {
	passenger := core.NewPassenger(data)
	if err := p.repo.Add(tag, passenger); err != nil {
		return nil, err
	}

	barriers, err := p.preRegister()
	if err != nil {
		p.repo.Remove(tag)
		return nil, err
	}

	job := newJob[T](tag)
	p.dispatcher.Launch(func() {
		result, err := p.runPassenger(ctx, job, passenger, barriers)
		p.repo.Remove(tag)
		job.finish(result, err)
	})
	return job, nil
}

// PushBatch registers and starts every input's run concurrently over the
// dispatcher's pool. tagFn generates each passenger's repository key from
// its index. The dispatcher's configured ErrorPolicy governs whether one
// passenger's terminal failure cancels the whole batch's remaining runs.
func (p *PipelineOrchestrator[T]) PushBatch(ctx context.Context, inputs []T, tagFn func(index int) string) ([]*Job[T], error) {
	jobs := make([]*Job[T], len(inputs))
	passengers := make([]core.Passenger[T], len(inputs))
	barrierSets := make([][]*Barrier[T], len(inputs))

	for i, data := range inputs {
		tag := tagFn(i)
		passenger := core.NewPassenger(data)
		if err := p.repo.Add(tag, passenger); err != nil {
			return nil, fmt.Errorf("push batch item %d: %w", i, err)
		}
		barriers, err := p.preRegister()
		if err != nil {
			p.repo.Remove(tag)
			return nil, fmt.Errorf("push batch item %d: %w", i, err)
		}
		passengers[i] = passenger
		barrierSets[i] = barriers
		jobs[i] = newJob[T](tag)
	}

	p.dispatcher.runBatch(ctx, len(inputs), func(runCtx context.Context, i int) error {
		result, err := p.runPassenger(runCtx, jobs[i], passengers[i], barrierSets[i])
		p.repo.Remove(jobs[i].tag)
		jobs[i].finish(result, err)
		return err
	}, nil)

	return jobs, nil
}

// preRegister mints one Barrier per barrier step in the chain, ahead of the
// passenger actually reaching any of them. On the first registration
// failure it interrupts everything it already registered for this
// would-be passenger and reports the failure.
func (p *PipelineOrchestrator[T]) preRegister() ([]*Barrier[T], error) {
	barriers := make([]*Barrier[T], len(p.chain.steps))
	for i, step := range p.chain.steps {
		var (
			b   *Barrier[T]
			err error
		)
		switch step.Kind {
		case StepManualBarrier:
			b, err = step.Manual.Register()
		case StepCountedBarrier:
			b, err = step.Counted.Register()
		default:
			continue
		}
		if err != nil {
			for _, prior := range barriers[:i] {
				if prior != nil {
					prior.Interrupt()
				}
			}
			return nil, fmt.Errorf("register step %q: %w", step.Name, err)
		}
		barriers[i] = b
	}
	return barriers, nil
}

func (p *PipelineOrchestrator[T]) runPassenger(ctx context.Context, job *Job[T], passenger core.Passenger[T], barriers []*Barrier[T]) (core.Passenger[T], error) {
	for i, step := range p.chain.steps {
		switch step.Kind {
		case StepTransform:
			data, err := p.runTransform(ctx, step, passenger.Data)
			if err != nil {
				p.abandonDownstream(i + 1)
				return passenger, fmt.Errorf("step %q: %w", step.Name, err)
			}
			passenger = passenger.With(data)

		case StepManualBarrier, StepCountedBarrier:
			b := barriers[i]
			job.setCurrent(b)
			result, ok, err := b.Invoke(ctx, passenger.Data)
			job.clearCurrent()
			if err != nil {
				p.abandonDownstream(i + 1)
				return passenger, fmt.Errorf("step %q: %w", step.Name, err)
			}
			if !ok {
				p.abandonDownstream(i + 1)
				return passenger, ErrPipelineInterrupted
			}
			passenger = passenger.With(result)
		}
	}
	return passenger, nil
}

func (p *PipelineOrchestrator[T]) runTransform(ctx context.Context, step StepDescriptor[T], data T) (T, error) {
	var lastErr error
	for attempt := 0; attempt < step.Attempts; attempt++ {
		result, err := step.Transform(ctx, data)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return data, lastErr
}

// abandonDownstream tells every not-yet-reached counted controller from
// chain index from onward that one of its pre-registered members will
// never arrive: its capacity shrinks by one, the same shrink onStepFailed
// applies to sibling controllers when an aggregate action fails. Manual
// groups need no signal: they tolerate sparse absentees by lifting
// whatever is still present, so an unreached manual barrier just rides
// along, un-invoked, until the group's next Lift.
func (p *PipelineOrchestrator[T]) abandonDownstream(from int) {
	for _, step := range p.chain.steps[from:] {
		if step.Kind != StepCountedBarrier {
			continue
		}
		ctrl := step.Counted
		capacity := ctrl.GetCapacity()
		if ctrl.ArrivalCount() >= capacity {
			continue
		}
		ctrl.notifyError(capacity - 1)
	}
}

// onStepFailed handles the failure cascade for the case abandonDownstream
// cannot cover: a counted controller's own aggregate action failed. Every
// counted controller this pipeline owns that has not yet reached capacity,
// other than originator itself, is told to shrink by one.
func (p *PipelineOrchestrator[T]) onStepFailed(cause error, originator errorNotifiable) {
	p.logger.Error("counted barrier aggregate action failed", telemetry.Err(cause))
	for _, ctrl := range p.counted {
		if originator != nil && ctrl.self() == originator.self() {
			continue
		}
		capacity := ctrl.GetCapacity()
		if ctrl.ArrivalCount() >= capacity {
			continue
		}
		ctrl.notifyError(capacity - 1)
	}
}

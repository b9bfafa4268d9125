package turnstile

import (
	"fmt"

	"github.com/wayfarer/turnstile/core"
	"github.com/wayfarer/turnstile/internal/telemetry"
)

// PipelineBuilder constructs a PipelineOrchestrator with a fluent API over
// an ordered step chain.
type PipelineBuilder[T core.Ordered] struct {
	steps      []StepDescriptor[T]
	dispatcher *BatchDispatcher
	repo       Repository[T]
	logger     telemetry.Logger
}

// NewPipelineBuilder starts an empty builder.
func NewPipelineBuilder[T core.Ordered]() *PipelineBuilder[T] {
	return &PipelineBuilder[T]{}
}

// AddStep appends an ordinary transform step. attempts below 1 is treated as 1.
func (b *PipelineBuilder[T]) AddStep(name string, attempts int, fn Transform[T]) *PipelineBuilder[T] {
	b.steps = append(b.steps, transformStep(name, attempts, fn))
	return b
}

// AddManualBarrier appends a step that registers at ctrl and awaits release.
func (b *PipelineBuilder[T]) AddManualBarrier(name string, ctrl *ManualBarrierController[T]) *PipelineBuilder[T] {
	b.steps = append(b.steps, manualBarrierStep(name, ctrl))
	return b
}

// AddCountedBarrier appends a step that registers at ctrl and awaits release.
func (b *PipelineBuilder[T]) AddCountedBarrier(name string, ctrl *CountedBarrierController[T]) *PipelineBuilder[T] {
	b.steps = append(b.steps, countedBarrierStep(name, ctrl))
	return b
}

// WithDispatcher installs the BatchDispatcher used by PushBatch. Without
// one, Build supplies a default single-worker dispatcher.
func (b *PipelineBuilder[T]) WithDispatcher(d *BatchDispatcher) *PipelineBuilder[T] {
	b.dispatcher = d
	return b
}

// WithRepository installs the job repository used by Push/PushBatch.
// Without one, Build supplies an in-memory default.
func (b *PipelineBuilder[T]) WithRepository(repo Repository[T]) *PipelineBuilder[T] {
	b.repo = repo
	return b
}

// WithLogger attaches a diagnostic sink to the built orchestrator. Without
// one, diagnostics are discarded.
func (b *PipelineBuilder[T]) WithLogger(logger telemetry.Logger) *PipelineBuilder[T] {
	b.logger = logger
	return b
}

// Build validates the accumulated step chain and returns a ready
// PipelineOrchestrator, or an error describing the first validation failure.
func (b *PipelineBuilder[T]) Build() (*PipelineOrchestrator[T], error) {
	if err := validateChain(b.steps); err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	dispatcher := b.dispatcher
	if dispatcher == nil {
		var err error
		dispatcher, err = NewBatchDispatcher(1, ErrorPolicyIsolated)
		if err != nil {
			return nil, fmt.Errorf("build pipeline: %w", err)
		}
	}

	repo := b.repo
	if repo == nil {
		repo = NewInMemoryRepository[T]()
	}

	logger := b.logger
	if logger == nil {
		logger = telemetry.Noop()
	}

	counted := make([]*CountedBarrierController[T], 0)
	manual := make([]*ManualBarrierController[T], 0)
	for _, s := range b.steps {
		switch s.Kind {
		case StepCountedBarrier:
			counted = append(counted, s.Counted)
		case StepManualBarrier:
			manual = append(manual, s.Manual)
		}
	}

	orch := &PipelineOrchestrator[T]{
		chain:      stepChain[T]{steps: b.steps},
		dispatcher: dispatcher,
		repo:       repo,
		counted:    counted,
		manual:     manual,
		logger:     logger.WithModule("pipeline_orchestrator"),
	}

	for _, ctrl := range counted {
		ctrl.attachGroupFailureHook(func(origin errorNotifiable, cause error) {
			orch.onStepFailed(cause, origin)
		})
		// A capacity-change-triggered aggregation must run on the pipeline's
		// own chosen executor, not an ambient goroutine default.
		ctrl.attachLauncher(dispatcher.Launch)
	}

	return orch, nil
}

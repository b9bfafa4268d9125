package turnstile

import (
	"context"

	"github.com/wayfarer/turnstile/core"
)

// Transform is a pure ordinary step: it maps the passenger payload to a new
// payload and may fail.
type Transform[T any] func(ctx context.Context, input T) (T, error)

// StepKind distinguishes an ordinary transform step from one that
// rendezvouses at a barrier.
type StepKind int

const (
	// StepTransform runs a bounded-retry Transform.
	StepTransform StepKind = iota
	// StepManualBarrier registers at a ManualBarrierController and awaits release.
	StepManualBarrier
	// StepCountedBarrier registers at a CountedBarrierController and awaits release.
	StepCountedBarrier
)

// StepDescriptor names one link in a pipeline's ordered step chain (spec
// §6). Exactly one of Transform, Manual, or Counted is populated, selected
// by Kind.
type StepDescriptor[T core.Ordered] struct {
	Name     string
	Kind     StepKind
	Attempts int

	Transform Transform[T]
	Manual    *ManualBarrierController[T]
	Counted   *CountedBarrierController[T]
}

func transformStep[T core.Ordered](name string, attempts int, fn Transform[T]) StepDescriptor[T] {
	if attempts < 1 {
		attempts = 1
	}
	return StepDescriptor[T]{Name: name, Kind: StepTransform, Attempts: attempts, Transform: fn}
}

func manualBarrierStep[T core.Ordered](name string, ctrl *ManualBarrierController[T]) StepDescriptor[T] {
	return StepDescriptor[T]{Name: name, Kind: StepManualBarrier, Attempts: 1, Manual: ctrl}
}

func countedBarrierStep[T core.Ordered](name string, ctrl *CountedBarrierController[T]) StepDescriptor[T] {
	return StepDescriptor[T]{Name: name, Kind: StepCountedBarrier, Attempts: 1, Counted: ctrl}
}

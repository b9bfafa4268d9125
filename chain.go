package turnstile

import (
	"fmt"

	"github.com/wayfarer/turnstile/core"
)

// stepChain is the validated, ordered list of steps a pipeline runs each
// passenger through. A passenger's steps are a linear iterator with
// nothing to branch or rejoin, so this is a plain ordered slice.
// validateChain rejects an empty chain, an empty or duplicate step name,
// and a step whose transform or controller is missing or whose kind is
// unknown.
type stepChain[T core.Ordered] struct {
	steps []StepDescriptor[T]
}

// chainValidationError describes why a step chain failed validation.
type chainValidationError struct {
	Message string
	Details string
}

func (e chainValidationError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

func validateChain[T core.Ordered](steps []StepDescriptor[T]) error {
	if len(steps) == 0 {
		return chainValidationError{Message: "chain validation failed", Details: "pipeline must have at least one step"}
	}

	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.Name == "" {
			return chainValidationError{Message: "chain validation failed", Details: "step name must not be empty"}
		}
		if seen[s.Name] {
			return chainValidationError{Message: "chain validation failed", Details: fmt.Sprintf("duplicate step name %q", s.Name)}
		}
		seen[s.Name] = true

		switch s.Kind {
		case StepTransform:
			if s.Transform == nil {
				return chainValidationError{Message: "chain validation failed", Details: fmt.Sprintf("step %q has no transform", s.Name)}
			}
		case StepManualBarrier:
			if s.Manual == nil {
				return chainValidationError{Message: "chain validation failed", Details: fmt.Sprintf("step %q has no manual barrier controller", s.Name)}
			}
		case StepCountedBarrier:
			if s.Counted == nil {
				return chainValidationError{Message: "chain validation failed", Details: fmt.Sprintf("step %q has no counted barrier controller", s.Name)}
			}
		default:
			return chainValidationError{Message: "chain validation failed", Details: fmt.Sprintf("step %q has unknown kind", s.Name)}
		}
	}
	return nil
}

package turnstile

import "github.com/wayfarer/turnstile/core"

// Error is the taxonomy type raised by the barrier subsystem. Re-exported
// from core so callers never need to import core directly for error
// handling.
type Error = core.Error

// Sentinel errors, one per taxonomy Kind. Compare with errors.Is.
var (
	ErrAlreadyInvoked          = core.ErrAlreadyInvoked
	ErrDuplicateRegistration   = core.ErrDuplicateRegistration
	ErrUnknownBarrier          = core.ErrUnknownBarrier
	ErrDoubleBlock             = core.ErrDoubleBlock
	ErrCapacityExceeded        = core.ErrCapacityExceeded
	ErrCapacityBelowRegistered = core.ErrCapacityBelowRegistered
	ErrBadAggregatorOutput     = core.ErrBadAggregatorOutput
	ErrInternalInvariant       = core.ErrInternalInvariant
)

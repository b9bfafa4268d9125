package core

import (
	"time"

	"github.com/google/uuid"
)

// Passenger is an opaque payload threaded through a pipeline, identified by
// a UUID assigned once at creation. Passengers are ordered and compared by
// identity only; nothing in this module reorders them except the aggregate
// sort a CountedBarrierController runs over its arrivals.
type Passenger[T any] struct {
	Data      T
	UUID      uuid.UUID
	CreatedAt time.Time
}

// NewPassenger wraps data in a freshly identified Passenger.
func NewPassenger[T any](data T) Passenger[T] {
	return Passenger[T]{
		Data:      data,
		UUID:      uuid.New(),
		CreatedAt: time.Now(),
	}
}

// With returns a copy of the passenger carrying new data but the same
// identity and creation time.
func (p Passenger[T]) With(data T) Passenger[T] {
	p.Data = data
	return p
}

// Package turnstile implements a concurrent barrier-synchronization core
// for multi-stage pipelines: passengers flow through an ordered chain of
// steps, some of which are ordinary transforms and some of which are
// rendezvous points (barriers) that suspend one arrival until a controller
// releases it.
//
// A Barrier is a single-use suspend-until-lifted primitive. A
// ManualBarrierController releases a group of barriers together on an
// external signal. A CountedBarrierController releases its group
// automatically once a configured number of arrivals have blocked,
// optionally running an aggregate transformation over the sorted arrivals
// first. PipelineOrchestrator wires both into a passenger's step-by-step
// run and propagates ordinary-step failures back to counted controllers so
// they never wait forever for an arrival that will not come.
package turnstile

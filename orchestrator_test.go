package turnstile_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/wayfarer/turnstile"
)

func TestPipeline_PlainTransformChain(t *testing.T) {
	upper := func(ctx context.Context, s string) (string, error) { return s + "!", nil }
	pipe, err := turnstile.NewPipelineBuilder[string]().
		AddStep("shout", 1, upper).
		Build()
	assert.NoError(t, err)

	job, err := pipe.Push(context.Background(), "hi", "job-1")
	assert.NoError(t, err)

	result, err := job.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "hi!", result.Data)
}

func TestPipeline_TransformRetriesThenFails(t *testing.T) {
	sentinel := errors.New("boom")
	var attempts int
	flaky := func(ctx context.Context, s string) (string, error) {
		attempts++
		return "", sentinel
	}
	pipe, err := turnstile.NewPipelineBuilder[string]().
		AddStep("flaky", 3, flaky).
		Build()
	assert.NoError(t, err)

	job, err := pipe.Push(context.Background(), "hi", "job-1")
	assert.NoError(t, err)

	_, err = job.Wait(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPipeline_TransformFailureAbandonsDownstreamCountedBarrier(t *testing.T) {
	sentinel := errors.New("boom")
	failing := func(ctx context.Context, s string) (string, error) { return "", sentinel }
	passing := func(ctx context.Context, s string) (string, error) { return s, nil }

	merge := turnstile.NewCountedBarrierController[string](turnstile.WithCapacity[string](2))
	// One worker per passenger, plus one for the aggregation that the bad
	// passenger's capacity shrink launches while the good one is suspended.
	dispatcher, err := turnstile.NewBatchDispatcher(3, turnstile.ErrorPolicyIsolated)
	assert.NoError(t, err)
	pipe, err := turnstile.NewPipelineBuilder[string]().
		AddStep("gate", 1, func(ctx context.Context, s string) (string, error) {
			if s == "bad" {
				return failing(ctx, s)
			}
			return passing(ctx, s)
		}).
		AddCountedBarrier("merge", merge).
		WithDispatcher(dispatcher).
		Build()
	assert.NoError(t, err)

	goodJob, err := pipe.Push(context.Background(), "good", "good-1")
	assert.NoError(t, err)
	badJob, err := pipe.Push(context.Background(), "bad", "bad-1")
	assert.NoError(t, err)

	result, err := goodJob.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "good", result.Data)

	_, err = badJob.Wait(context.Background())
	assert.ErrorIs(t, err, sentinel)
}

func TestPipeline_ManualBarrierInterruptStopsPassenger(t *testing.T) {
	gate := turnstile.NewManualBarrierController[string]()
	pipe, err := turnstile.NewPipelineBuilder[string]().
		AddManualBarrier("gate", gate).
		Build()
	assert.NoError(t, err)

	job, err := pipe.Push(context.Background(), "hi", "job-1")
	assert.NoError(t, err)

	assert.Eventually(t, func() bool { return gate.Len() == 1 }, time.Second, time.Millisecond)
	gate.Interrupt()

	_, err = job.Wait(context.Background())
	assert.ErrorIs(t, err, turnstile.ErrPipelineInterrupted)
}

func TestPipeline_ManualBarrierLiftReleasesPassenger(t *testing.T) {
	gate := turnstile.NewManualBarrierController[string]()
	upper := func(ctx context.Context, s string) (string, error) { return s + "!", nil }
	pipe, err := turnstile.NewPipelineBuilder[string]().
		AddManualBarrier("gate", gate).
		AddStep("shout", 1, upper).
		Build()
	assert.NoError(t, err)

	job, err := pipe.Push(context.Background(), "hi", "job-1")
	assert.NoError(t, err)

	assert.Eventually(t, func() bool { return gate.Len() == 1 }, time.Second, time.Millisecond)
	gate.Lift()

	result, err := job.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "hi!", result.Data)
}

func TestPipeline_PushBatchCountedBarrierMerges(t *testing.T) {
	merge := turnstile.NewCountedBarrierController[string](turnstile.WithCapacity[string](3))
	dispatcher, err := turnstile.NewBatchDispatcher(3, turnstile.ErrorPolicyIsolated)
	assert.NoError(t, err)
	pipe, err := turnstile.NewPipelineBuilder[string]().
		AddCountedBarrier("merge", merge).
		WithDispatcher(dispatcher).
		Build()
	assert.NoError(t, err)

	inputs := []string{"a", "b", "c"}
	jobs, err := pipe.PushBatch(context.Background(), inputs, func(i int) string { return inputs[i] })
	assert.NoError(t, err)
	assert.Len(t, jobs, 3)

	for i, job := range jobs {
		result, err := job.Wait(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, inputs[i], result.Data)
	}
}

func TestPipeline_EagerPreRegistrationFailsClosed(t *testing.T) {
	full := turnstile.NewCountedBarrierController[string](turnstile.WithCapacity[string](1))
	_, err := full.Register()
	assert.NoError(t, err)

	pipe, err := turnstile.NewPipelineBuilder[string]().
		AddCountedBarrier("merge", full).
		Build()
	assert.NoError(t, err)

	_, err = pipe.Push(context.Background(), "one-too-many", "job-x")
	assert.Error(t, err)
}

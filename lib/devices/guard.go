package devices

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Guard is the single-writer lease over a DiscreteGpu.
type Guard struct {
	sem *semaphore.Weighted
	gpu *DiscreteGpu
}

// NewGuard wraps gpu. Only the mode controller constructs one.
func NewGuard(gpu *DiscreteGpu) *Guard {
	return &Guard{sem: semaphore.NewWeighted(1), gpu: gpu}
}

// Acquire blocks until the GPU is free or ctx is done.
func (g *Guard) Acquire(ctx context.Context) (*DiscreteGpu, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire discrete GPU: %w", err)
	}
	return g.gpu, nil
}

// Release gives the GPU back. It panics if the guard is not held.
func (g *Guard) Release() {
	g.sem.Release(1)
}

// With runs fn while holding the GPU.
func (g *Guard) With(ctx context.Context, fn func(*DiscreteGpu) error) error {
	gpu, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer g.Release()
	return fn(gpu)
}

package service

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"querybridge/internal/core"
)

// Pool bounds how many blocking store calls run at once.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
}

func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers)), size: int64(workers)}
}

func (p *Pool) Size() int { return int(p.size) }

// Submit runs fn on a pool worker and waits for it or for ctx. When ctx ends
// first the call returns at once; fn keeps its slot until it observes ctx
// and returns. started reports whether fn was ever scheduled.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (out T, started bool, err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return out, false, ctxError(ctx, err)
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("worker panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, true, r.err
	case <-ctx.Done():
		select {
		case r := <-done:
			return r.v, true, r.err
		default:
		}
		return out, true, ctxError(ctx, ctx.Err())
	}
}

func ctxError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return core.Wrap(core.KindTimeout, "pool", fmt.Errorf("execution timed out: %w", ctx.Err()))
	}
	return err
}

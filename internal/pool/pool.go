// Package pool lends a fixed set of independent values, typically module
// registries, one borrower at a time. Borrowers that find the pool empty
// wait in FIFO order.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/treeline/internal/errors"
	"github.com/conneroisu/treeline/internal/metrics"
)

// Factory creates one pooled value.
type Factory[T any] func(ctx context.Context) (T, error)

// Pool is a fixed-size FIFO pool.
type Pool[T any] struct {
	size    int
	metrics *metrics.Collectors

	mu      sync.Mutex
	idle    []T
	waiters *list.List // of chan T
	closed  bool
}

// New creates size values concurrently and returns a pool holding them.
func New[T any](ctx context.Context, size int, factory Factory[T], m *metrics.Collectors) (*Pool[T], error) {
	if size < 1 {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "pool size must be at least 1")
	}

	values := make([]T, size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range values {
		g.Go(func() error {
			v, err := factory(gctx)
			if err != nil {
				return err
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Pool[T]{
		size:    size,
		metrics: m,
		idle:    values,
		waiters: list.New(),
	}, nil
}

// Size returns the number of values the pool owns.
func (p *Pool[T]) Size() int { return p.size }

// Idle returns how many values are available right now.
func (p *Pool[T]) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Acquire borrows a value, waiting behind earlier borrowers when none is idle.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, closedError()
	}
	if len(p.idle) > 0 {
		v := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()
		p.metrics.ObservePoolWait(time.Since(start))
		return v, nil
	}
	ch := make(chan T, 1)
	el := p.waiters.PushBack(ch)
	p.mu.Unlock()

	select {
	case v, ok := <-ch:
		if !ok {
			return zero, closedError()
		}
		p.metrics.ObservePoolWait(time.Since(start))
		return v, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters.Remove(el)
		p.mu.Unlock()
		// A value handed over before we left the queue goes to the next borrower.
		select {
		case v, ok := <-ch:
			if ok {
				p.Release(v)
			}
		default:
		}
		return zero, ctx.Err()
	}
}

// Release returns a borrowed value. The longest waiting borrower gets it
// first.
func (p *Pool[T]) Release(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		front.Value.(chan T) <- v
		return
	}
	p.idle = append(p.idle, v)
}

// With borrows a value for the duration of fn.
func (p *Pool[T]) With(ctx context.Context, fn func(T) error) error {
	v, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(v)
	return fn(v)
}

// Close fails every waiting and future Acquire.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(chan T))
	}
	p.waiters.Init()
	p.idle = nil
}

func closedError() error {
	return errors.NewInternalError(errors.ErrCodePoolClosed, "pool is closed", nil)
}

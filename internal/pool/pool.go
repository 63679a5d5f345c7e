// Package pool bounds concurrent calls to the generation collaborator across
// every running project.
package pool

import (
	"context"
	"sync/atomic"
)

// Pool is a token semaphore. The zero value is unusable; use New.
type Pool struct {
	tokens chan struct{}
	inUse  atomic.Int64
}

func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{tokens: make(chan struct{}, size)}
}

// Acquire blocks until a token is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.tokens <- struct{}{}:
		p.inUse.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Release() {
	select {
	case <-p.tokens:
		p.inUse.Add(-1)
	default:
		panic("pool: release without acquire")
	}
}

// Do runs fn while holding a token.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := p.Acquire(ctx); err != nil {
		return err
	}
	defer p.Release()
	return fn(ctx)
}

func (p *Pool) InUse() int { return int(p.inUse.Load()) }

func (p *Pool) Size() int { return cap(p.tokens) }

package attachment

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize bounds concurrent blocking file work across all turns.
const DefaultPoolSize = 10

// ErrPoolClosed is returned by Do after Close.
var ErrPoolClosed = errors.New("attachment pool closed")

// Pool runs blocking work with bounded concurrency. It is created once at
// startup and closed at shutdown.
type Pool struct {
	sem *semaphore.Weighted

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Do runs fn once a slot is free, or returns the context error first.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()
	defer p.wg.Done()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// Close rejects new work and waits for running work to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

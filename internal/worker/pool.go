// Package worker provides a bounded goroutine pool for background jobs
// (audit dispatch, notification fan-out) that must never pile up unbounded.
package worker

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool runs submitted jobs on at most size concurrent goroutines. Submit
// never blocks the caller beyond semaphore acquisition with the caller's
// context; a cancelled pool rejects new work.
type Pool struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func NewPool(size int64, logger *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(size),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Submit schedules a job. It blocks only while the pool is at capacity and
// returns the context error if the pool is shutting down.
func (p *Pool) Submit(job func(ctx context.Context)) error {
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker_panic", "panic", r)
			}
		}()
		job(p.ctx)
	}()
	return nil
}

// TrySubmit schedules a job only if a worker slot is immediately free.
func (p *Pool) TrySubmit(job func(ctx context.Context)) bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker_panic", "panic", r)
			}
		}()
		job(p.ctx)
	}()
	return true
}

// Shutdown cancels in-flight job contexts and waits for workers to drain.
func (p *Pool) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

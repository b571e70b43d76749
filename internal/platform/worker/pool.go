// Package worker provides a bounded worker pool for background jobs such as
// invalidation fan-out and batch key deletion.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrBackpressure is returned when the queue is full and the pool drops
	// new jobs instead of blocking.
	ErrBackpressure = errors.New("worker pool queue full")

	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("worker pool closed")
)

// DropPolicy decides what Submit does when the queue is full.
type DropPolicy int

const (
	// DropPolicyBlock waits for queue space.
	DropPolicyBlock DropPolicy = iota
	// DropPolicyNewest rejects the job being submitted with ErrBackpressure.
	DropPolicyNewest
)

// Job represents a unit of work to be executed by a worker.
type Job struct {
	// ID identifies the job in results and logs
	ID string
	// Execute runs with the pool's context.
	Execute func(ctx context.Context) (any, error)
}

// Result represents the outcome of a job execution.
type Result struct {
	JobID string
	Value any
	Err   error
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Workers    int
	QueueSize  int
	DropPolicy DropPolicy
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Workers       int
	JobsSubmitted int64
	JobsCompleted int64
	JobsFailed    int64
	JobsDropped   int64
	QueueLen      int
}

// Pool runs jobs on a fixed number of goroutines pulling from a bounded queue.
type Pool struct {
	workers    int
	dropPolicy DropPolicy

	jobQueue chan Job
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	// closeMu guards jobQueue against sends after close.
	closeMu sync.RWMutex
	closed  bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewPool creates a blocking pool with the given number of workers and queue
// size. The pool starts immediately.
//
//	pool := worker.NewPool(ctx, 4, 100)
//	defer pool.Close()
func NewPool(ctx context.Context, workers int, queueSize int) *Pool {
	return NewPoolWithConfig(ctx, PoolConfig{Workers: workers, QueueSize: queueSize})
}

// NewPoolWithConfig creates a pool from cfg.
func NewPoolWithConfig(ctx context.Context, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	poolCtx, cancel := context.WithCancel(ctx)

	p := &Pool{
		workers:    cfg.Workers,
		dropPolicy: cfg.DropPolicy,
		jobQueue:   make(chan Job, cfg.QueueSize),
		ctx:        poolCtx,
		cancel:     cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for job := range p.jobQueue {
		if _, err := job.Execute(p.ctx); err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}
}

// Submit queues job according to the pool's DropPolicy. With
// DropPolicyBlock it waits for space or for the pool context to end.
func (p *Pool) Submit(job Job) error {
	if p.dropPolicy == DropPolicyNewest {
		return p.TrySubmit(job)
	}
	return p.submitBlocking(job)
}

func (p *Pool) submitBlocking(job Job) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.jobQueue <- job:
		p.submitted.Add(1)
		return nil
	}
}

// TrySubmit queues job without blocking and returns ErrBackpressure when the
// queue is full.
func (p *Pool) TrySubmit(job Job) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	if err := p.ctx.Err(); err != nil {
		return err
	}

	select {
	case p.jobQueue <- job:
		p.submitted.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		return ErrBackpressure
	}
}

// SubmitAndWait submits jobs and waits for all their results. Results come
// back in completion order. Jobs that could not be submitted are reported
// with the submit error.
func (p *Pool) SubmitAndWait(jobs []Job) []Result {
	done := make(chan Result, len(jobs))
	results := make([]Result, 0, len(jobs))
	pending := 0

	for _, job := range jobs {
		wrapped := Job{
			ID: job.ID,
			Execute: func(ctx context.Context) (any, error) {
				value, err := job.Execute(ctx)
				done <- Result{JobID: job.ID, Value: value, Err: err}
				return value, err
			},
		}
		if err := p.submitBlocking(wrapped); err != nil {
			results = append(results, Result{JobID: job.ID, Err: err})
			continue
		}
		pending++
	}

	for ; pending > 0; pending-- {
		results = append(results, <-done)
	}
	return results
}

// Close stops accepting jobs, lets workers finish what is queued and then
// cancels the pool context. Safe to call more than once.
func (p *Pool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.jobQueue)
	p.closeMu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:       p.workers,
		JobsSubmitted: p.submitted.Load(),
		JobsCompleted: p.completed.Load(),
		JobsFailed:    p.failed.Load(),
		JobsDropped:   p.dropped.Load(),
		QueueLen:      len(p.jobQueue),
	}
}

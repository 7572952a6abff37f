package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Defaults for PoolOpts.
const (
	DefaultWorkers = 4
	DefaultSize    = 256
	DefaultTimeout = 2 * time.Minute
)

// Pool runs jobs on a fixed set of goroutines fed from a bounded buffer.
// Handler failures are reported on Errors, never returned to Enqueue.
type Pool struct {
	handler Handler
	workers int
	timeout time.Duration
	jobs    chan Job
	errs    chan *JobError
	log     zerolog.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// PoolOpts holds parameters for creating a Pool.
type PoolOpts struct {
	Handler Handler
	Workers int
	Size    int
	Timeout time.Duration // per job
	Log     *zerolog.Logger
}

// NewPool creates a Pool. Call Start to launch the workers.
func NewPool(opts PoolOpts) (*Pool, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("queue: handler is required")
	}
	p := &Pool{
		handler: opts.Handler,
		workers: opts.Workers,
		timeout: opts.Timeout,
		log:     zerolog.Nop(),
	}
	if p.workers <= 0 {
		p.workers = DefaultWorkers
	}
	size := opts.Size
	if size <= 0 {
		size = DefaultSize
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if opts.Log != nil {
		p.log = *opts.Log
	}
	p.jobs = make(chan Job, size)
	p.errs = make(chan *JobError, size)
	return p, nil
}

// Start launches the workers. Jobs carry ctx's values but not its
// cancellation: buffered jobs were already acknowledged to the provider,
// so Stop drains them under the per-job timeout alone.
func (p *Pool) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
	p.log.Info().Int("workers", p.workers).Int("size", cap(p.jobs)).Msg("queue started")
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(ctx, id, job)
	}
}

func (p *Pool) run(ctx context.Context, worker int, job Job) {
	jctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.report(job, fmt.Errorf("panic: %v", r))
		}
	}()

	start := time.Now()
	job.Attempt++
	if err := p.handler(jctx, job); err != nil {
		p.report(job, err)
		return
	}
	p.processed.Add(1)
	p.log.Debug().Str("job", job.ID).Int("worker", worker).Dur("took", time.Since(start)).Msg("job done")
}

func (p *Pool) report(job Job, err error) {
	p.failed.Add(1)
	p.log.Error().Err(err).Str("job", job.ID).Str("phone", job.Message.Phone).Msg("job failed")
	select {
	case p.errs <- &JobError{Job: job, Err: err}:
	default:
		p.dropped.Add(1)
	}
}

// Enqueue adds a job without blocking.
func (p *Pool) Enqueue(_ context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Errors returns failed jobs. The channel is closed by Stop.
func (p *Pool) Errors() <-chan *JobError { return p.errs }

// Len returns the number of buffered jobs.
func (p *Pool) Len() int { return len(p.jobs) }

// Stats returns processed, failed and dropped-error counts.
func (p *Pool) Stats() (processed, failed, dropped uint64) {
	return p.processed.Load(), p.failed.Load(), p.dropped.Load()
}

// Stop rejects new jobs, drains the buffer and waits for the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.errs)
	p.log.Info().Msg("queue stopped")
}

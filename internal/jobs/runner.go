// Package jobs runs durable, retryable work scheduled by committed deltas.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

// Job statuses reported to the status hook.
const (
	StatusSucceeded = "succeeded"
	StatusRetrying  = "retrying"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
	StatusDropped   = "dropped"
)

// Func is the body of a job.
type Func func(ctx context.Context, spec domain.JobSpec) error

var (
	// ErrClosed is returned by Submit once the runner stopped accepting work.
	ErrClosed = errors.New("job runner closed")
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("job queue full")
)

// Config tunes a Runner.
type Config struct {
	Workers       int
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
	QueueSize     int
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

type task struct {
	spec domain.JobSpec
	run  Func
}

// Runner executes jobs on a fixed worker pool. Failed attempts are retried
// with exponential backoff until the job's MaxAttempts (or the configured
// default) is exhausted.
type Runner struct {
	cfg      Config
	logger   *slog.Logger
	onStatus func(status string)
	sleep    func(ctx context.Context, d time.Duration) error

	queue  chan task
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithStatusHook registers a callback invoked for every job outcome.
func WithStatusHook(fn func(status string)) Option {
	return func(r *Runner) { r.onStatus = fn }
}

// New builds a runner. Call Run to start the workers.
func New(cfg Config, opts ...Option) *Runner {
	cfg = cfg.normalized()
	r := &Runner{
		cfg:      cfg,
		logger:   slog.Default(),
		onStatus: func(string) {},
		sleep:    sleepContext,
		queue:    make(chan task, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit queues a job without blocking. A full queue drops the job and
// reports ErrQueueFull.
func (r *Runner) Submit(ctx context.Context, spec domain.JobSpec, run Func) error {
	if run == nil {
		return fmt.Errorf("job %s: nil body", spec.Name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	select {
	case r.queue <- task{spec: spec, run: run}:
		return nil
	default:
		r.wg.Done()
		r.logger.Warn("job dropped: queue full", "job", spec.Name, "id", spec.ID, "model", spec.ModelID)
		r.onStatus(StatusDropped)
		return ErrQueueFull
	}
}

// Run processes jobs until ctx is cancelled. Queued jobs that have not
// started are reported as canceled.
func (r *Runner) Run(ctx context.Context) error {
	var workers sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		workers.Add(1)
		go func(worker int) {
			defer workers.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-r.queue:
					r.execute(ctx, worker, t)
					r.wg.Done()
				}
			}
		}(i)
	}
	<-ctx.Done()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	workers.Wait()

	for {
		select {
		case t := <-r.queue:
			r.logger.Warn("job canceled before start", "job", t.spec.Name, "id", t.spec.ID)
			r.onStatus(StatusCanceled)
			r.wg.Done()
		default:
			return nil
		}
	}
}

// Wait blocks until every submitted job has finished or was canceled.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) execute(ctx context.Context, worker int, t task) {
	attempts := t.spec.MaxAttempts
	if attempts <= 0 {
		attempts = r.cfg.MaxAttempts
	}
	for attempt := 1; ; attempt++ {
		err := r.attempt(ctx, t)
		if err == nil {
			r.logger.Debug("job succeeded", "job", t.spec.Name, "id", t.spec.ID, "attempt", attempt, "worker", worker)
			r.onStatus(StatusSucceeded)
			return
		}
		if attempt >= attempts {
			r.logger.Error("job failed", "job", t.spec.Name, "id", t.spec.ID, "model", t.spec.ModelID, "attempts", attempt, "error", err)
			r.onStatus(StatusFailed)
			return
		}
		delay := r.backoff(attempt)
		r.logger.Warn("job attempt failed, retrying", "job", t.spec.Name, "id", t.spec.ID, "attempt", attempt, "delay", delay, "error", err)
		r.onStatus(StatusRetrying)
		if err := r.sleep(ctx, delay); err != nil {
			r.logger.Warn("job canceled during backoff", "job", t.spec.Name, "id", t.spec.ID)
			r.onStatus(StatusCanceled)
			return
		}
	}
}

func (r *Runner) attempt(ctx context.Context, t task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return t.run(ctx, t.spec)
}

// backoff doubles the base delay per failed attempt, capped at the max.
func (r *Runner) backoff(attempt int) time.Duration {
	d := r.cfg.RetryBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.RetryMaxDelay {
			return r.cfg.RetryMaxDelay
		}
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

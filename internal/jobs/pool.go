// Package jobs runs durable transcription jobs stored in the database.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-memo/internal/config"
	"github.com/loqalabs/loqa-memo/internal/failure"
	"github.com/loqalabs/loqa-memo/internal/store"
)

// Queue is the persistent job table.
type Queue interface {
	EnqueueJob(ctx context.Context, recordingID int64) (bool, error)
	ClaimJob(ctx context.Context) (store.Job, bool, error)
	ClaimJobFor(ctx context.Context, recordingID int64) (store.Job, bool, error)
	CompleteJob(ctx context.Context, recordingID int64) error
	RetryJob(ctx context.Context, recordingID int64, notBefore time.Time, lastErr, kind string) error
	FailJob(ctx context.Context, recordingID int64, lastErr, kind string) error
	ResetRunningJobs(ctx context.Context) (int64, error)
}

// Handler performs one job attempt.
type Handler interface {
	Handle(ctx context.Context, job store.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job store.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job store.Job) error { return f(ctx, job) }

// Result is the fate of one attempt.
type Result string

const (
	ResultCompleted Result = "completed"
	ResultRetrying  Result = "retrying"
	ResultFailed    Result = "failed"
)

// Outcome reports a finished attempt to observers.
type Outcome struct {
	Job    store.Job
	Result Result
	Err    error
}

// Pool claims due jobs and runs them on a fixed number of workers. Only
// failure.TransientIO errors are retried, with exponential backoff, until
// the attempt budget is spent.
type Pool struct {
	queue   Queue
	handler Handler
	cfg     config.JobsConfig
	log     *slog.Logger
	clock   func() time.Time

	wake      chan struct{}
	retries   metric.Int64Counter
	observers []func(Outcome)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(queue Queue, handler Handler, cfg config.JobsConfig, log *slog.Logger) (*Pool, error) {
	if queue == nil || handler == nil {
		return nil, errors.New("job pool requires a queue and a handler")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.PollIntervalMS <= 0 {
		cfg.PollIntervalMS = 1000
	}
	meter := otel.Meter("github.com/loqalabs/loqa-memo/jobs")
	retries, err := meter.Int64Counter("memo.jobs.retries",
		metric.WithDescription("Job attempts rescheduled after a transient failure"))
	if err != nil {
		return nil, fmt.Errorf("create retry counter: %w", err)
	}
	return &Pool{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		log:     log.With(slog.String("component", "jobs")),
		clock:   time.Now,
		wake:    make(chan struct{}, 1),
		retries: retries,
	}, nil
}

// Start resets jobs left running by a previous process and launches the
// workers. They stop when ctx is done or Close is called.
func (p *Pool) Start(ctx context.Context) error {
	n, err := p.queue.ResetRunningJobs(ctx)
	if err != nil {
		return fmt.Errorf("reset interrupted jobs: %w", err)
	}
	if n > 0 {
		p.log.Info("requeued interrupted jobs", slog.Int64("count", n))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("job pool already started")
	}
	wctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(wctx, i)
	}
	p.log.Info("job workers started", slog.Int("workers", p.cfg.Workers))
	return nil
}

// Observe registers fn for every finished attempt. Call before Start.
func (p *Pool) Observe(fn func(Outcome)) {
	p.observers = append(p.observers, fn)
}

// Close stops the workers and waits for in-flight attempts.
func (p *Pool) Close() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Enqueue schedules a transcription of recordingID and wakes an idle worker.
func (p *Pool) Enqueue(ctx context.Context, recordingID int64) error {
	created, err := p.queue.EnqueueJob(ctx, recordingID)
	if err != nil {
		return fmt.Errorf("enqueue recording %d: %w", recordingID, err)
	}
	if !created {
		p.log.Debug("job already pending", slog.Int64("recording_id", recordingID))
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With(slog.Int("worker", id))
	ticker := time.NewTicker(time.Duration(p.cfg.PollIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		for {
			ran, err := p.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				log.Error("job attempt failed", slogError(err))
			}
			if !ran || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// RunOnce claims one due job and runs it. ran is false when nothing was due.
// The returned error concerns bookkeeping, never the job itself.
func (p *Pool) RunOnce(ctx context.Context) (ran bool, err error) {
	job, ok, err := p.queue.ClaimJob(ctx)
	if err != nil || !ok {
		return false, err
	}
	res, err := p.run(ctx, job)
	for _, fn := range p.observers {
		fn(res)
	}
	return true, err
}

// Run schedules recordingID and runs its job right away with h, or with the
// pool's handler when h is nil. It fails with failure.InvalidState while
// another worker is running the same recording. Bookkeeping, retries and
// observers are those of RunOnce.
func (p *Pool) Run(ctx context.Context, recordingID int64, h Handler) (Outcome, error) {
	if _, err := p.queue.EnqueueJob(ctx, recordingID); err != nil {
		return Outcome{}, fmt.Errorf("enqueue recording %d: %w", recordingID, err)
	}
	job, ok, err := p.queue.ClaimJobFor(ctx, recordingID)
	if err != nil {
		return Outcome{}, fmt.Errorf("claim recording %d: %w", recordingID, err)
	}
	if !ok {
		return Outcome{}, failure.New(failure.InvalidState, "run job",
			fmt.Errorf("recording %d is already being transcribed", recordingID))
	}
	if h == nil {
		h = p.handler
	}
	res, err := p.runWith(ctx, job, h)
	for _, fn := range p.observers {
		fn(res)
	}
	return res, err
}

func (p *Pool) run(ctx context.Context, job store.Job) (Outcome, error) {
	return p.runWith(ctx, job, p.handler)
}

func (p *Pool) runWith(ctx context.Context, job store.Job, h Handler) (Outcome, error) {
	log := p.log.With(slog.Int64("recording_id", job.RecordingID), slog.String("job_id", job.ID), slog.Int("attempt", job.Attempts))
	herr := h.Handle(ctx, job)

	// Bookkeeping must survive the shutdown that may have interrupted the handler.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	switch {
	case herr == nil:
		log.Info("job completed")
		return Outcome{Job: job, Result: ResultCompleted}, p.queue.CompleteJob(bctx, job.RecordingID)

	case ctx.Err() != nil:
		log.Info("job interrupted, requeued")
		return Outcome{Job: job, Result: ResultRetrying, Err: herr},
			p.queue.RetryJob(bctx, job.RecordingID, p.clock(), herr.Error(), failure.KindOf(herr).String())

	case failure.Retryable(herr) && job.Attempts < p.cfg.MaxAttempts:
		delay := p.delay(job.Attempts)
		log.Warn("job failed, retrying", slogError(herr), slog.Duration("delay", delay))
		p.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", failure.KindOf(herr).String())))
		return Outcome{Job: job, Result: ResultRetrying, Err: herr},
			p.queue.RetryJob(bctx, job.RecordingID, p.clock().Add(delay), herr.Error(), failure.KindOf(herr).String())
	}

	kind := failure.KindOf(herr)
	log.Error("job failed", slogError(herr), slog.String("kind", kind.String()))
	return Outcome{Job: job, Result: ResultFailed, Err: herr}, p.queue.FailJob(bctx, job.RecordingID, herr.Error(), kind.String())
}

// delay returns the wait before the attempt following the given one.
func (p *Pool) delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	if p.cfg.InitialBackoffMS > 0 {
		b.InitialInterval = time.Duration(p.cfg.InitialBackoffMS) * time.Millisecond
	}
	if p.cfg.MaxBackoffMS > 0 {
		b.MaxInterval = time.Duration(p.cfg.MaxBackoffMS) * time.Millisecond
	}
	b.RandomizationFactor = 0
	b.Reset()
	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

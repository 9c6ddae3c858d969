package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maildraft/maildraft/internal/retry"
	"github.com/maildraft/maildraft/pkg/models"
)

// Handler executes one job attempt.
type Handler func(ctx context.Context, job models.Job) error

// ErrSkipped marks a contention outcome: the job's message is already being
// processed elsewhere. It is not a failure and is never retried.
var ErrSkipped = errors.New("skipped: already in progress")

// EventSink receives job lifecycle events.
type EventSink interface {
	Broadcast(userID int64, event models.Event)
}

// RuntimeConfig configuration for the job runtime
type RuntimeConfig struct {
	Workers     int // Workers per registered job type
	MaxAttempts int
	RetryBase   time.Duration
	RetryCeil   time.Duration
}

type registration struct {
	handler Handler
	workers int
}

// Runtime executes queued jobs with a bounded worker pool per task type.
// Pause stops pulling new jobs and lets in-flight ones finish; emergency
// pause additionally cancels in-flight jobs (incident response only).
type Runtime struct {
	queue  Queue
	events EventSink
	cfg    RuntimeConfig
	logger *slog.Logger

	mu            sync.Mutex
	handlers      map[models.JobType]registration
	paused        bool
	resumeCh      chan struct{}
	inflightCtx   context.Context
	inflightStop  context.CancelFunc
	consumeCtx    context.Context
	consumeCancel context.CancelFunc
	started       bool

	wg sync.WaitGroup
}

// NewRuntime creates a job runtime.
func NewRuntime(queue Queue, events EventSink, cfg RuntimeConfig, logger *slog.Logger) *Runtime {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	if cfg.RetryCeil <= 0 {
		cfg.RetryCeil = 5 * time.Minute
	}

	inflightCtx, inflightStop := context.WithCancel(context.Background())
	return &Runtime{
		queue:        queue,
		events:       events,
		cfg:          cfg,
		logger:       logger.With("component", "job_runtime"),
		handlers:     make(map[models.JobType]registration),
		resumeCh:     make(chan struct{}),
		inflightCtx:  inflightCtx,
		inflightStop: inflightStop,
	}
}

// RegisterHandler binds a handler to a job type with its own worker count.
// Must be called before Start.
func (r *Runtime) RegisterHandler(jobType models.JobType, handler Handler, workers int) {
	if workers <= 0 {
		workers = r.cfg.Workers
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = registration{handler: handler, workers: workers}
}

// Enqueue publishes a job, filling in attempt defaults, and emits the queued
// event. Satisfies imapx.JobEnqueuer and the scheduler's trigger sink.
func (r *Runtime) Enqueue(ctx context.Context, job models.Job) error {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = r.cfg.MaxAttempts
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	if err := r.queue.Publish(ctx, job); err != nil {
		return err
	}
	r.emit(job, models.EventJobQueued, nil)
	return nil
}

// Start launches the worker pools. It returns once consumption is running.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runtime already started")
	}
	r.started = true
	r.consumeCtx, r.consumeCancel = context.WithCancel(ctx)
	handlers := make(map[models.JobType]registration, len(r.handlers))
	for t, reg := range r.handlers {
		handlers[t] = reg
	}
	consumeCtx := r.consumeCtx
	r.mu.Unlock()

	for jobType, reg := range handlers {
		deliveries, err := r.queue.Consume(consumeCtx, jobType)
		if err != nil {
			return err
		}
		for i := 0; i < reg.workers; i++ {
			r.wg.Add(1)
			go r.worker(consumeCtx, deliveries, reg.handler)
		}
		r.logger.Info("workers started", "type", jobType, "workers", reg.workers)
	}
	return nil
}

// worker pulls deliveries, honoring the pause gate, and runs them.
func (r *Runtime) worker(ctx context.Context, deliveries <-chan Delivery, handler Handler) {
	defer r.wg.Done()

	for {
		if !r.waitIfPaused(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			r.run(ctx, d, handler)
		}
	}
}

// run executes one delivery and applies the retry policy.
func (r *Runtime) run(ctx context.Context, d Delivery, handler Handler) {
	job := d.Job
	r.emit(job, models.EventJobActive, nil)

	r.mu.Lock()
	inflight := r.inflightCtx
	r.mu.Unlock()

	jobCtx, cancel := mergeDone(ctx, inflight)
	err := handler(jobCtx, job)
	cancel()

	switch {
	case err == nil, errors.Is(err, ErrSkipped):
		_ = d.Ack()
		r.emit(job, models.EventJobCompleted, err)
	case job.Attempts+1 < job.MaxAttempts:
		// Resource-level failures get backoff and another attempt.
		_ = d.Ack()
		job.Attempts++
		delay := retry.Exponential(r.cfg.RetryBase, r.cfg.RetryCeil)(job.Attempts)
		r.logger.Warn("job failed, retrying",
			"job_id", job.ID, "attempt", job.Attempts, "delay", delay, "error", err)
		if !sleepCtx(ctx, delay) {
			return
		}
		if pubErr := r.queue.Publish(context.Background(), job); pubErr != nil {
			r.logger.Error("failed to requeue job", "job_id", job.ID, "error", pubErr)
			r.emit(job, models.EventJobFailed, err)
		}
	default:
		// Exhausted: terminal, recorded, never silently dropped.
		_ = d.Ack()
		r.logger.Error("job failed terminally",
			"job_id", job.ID, "type", job.Type, "attempts", job.Attempts+1, "error", err)
		r.emit(job, models.EventJobFailed, err)
	}
}

// Pause stops workers from pulling new jobs; in-flight jobs finish.
func (r *Runtime) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		return
	}
	r.paused = true
	r.logger.Info("runtime paused")
}

// Resume lets workers pull jobs again, restoring the in-flight context if an
// emergency pause had cancelled it.
func (r *Runtime) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return
	}
	r.paused = false
	if r.inflightCtx.Err() != nil {
		r.inflightCtx, r.inflightStop = context.WithCancel(context.Background())
	}
	close(r.resumeCh)
	r.resumeCh = make(chan struct{})
	r.logger.Info("runtime resumed")
}

// EmergencyPause stops the queue immediately, interrupting in-flight jobs.
// Incident response only.
func (r *Runtime) EmergencyPause() {
	r.mu.Lock()
	r.paused = true
	stop := r.inflightStop
	r.mu.Unlock()
	stop()
	r.logger.Warn("emergency pause engaged")
}

// Paused reports whether the runtime is currently paused.
func (r *Runtime) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Stop halts consumption and waits for workers to exit.
func (r *Runtime) Stop() {
	r.mu.Lock()
	cancel := r.consumeCancel
	r.started = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.logger.Info("runtime stopped")
}

// waitIfPaused blocks while the runtime is paused. Returns false when ctx
// ends first.
func (r *Runtime) waitIfPaused(ctx context.Context) bool {
	for {
		r.mu.Lock()
		if !r.paused {
			r.mu.Unlock()
			return true
		}
		ch := r.resumeCh
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-ch:
		}
	}
}

// emit publishes a lifecycle event to the owning user's listeners.
func (r *Runtime) emit(job models.Job, eventType models.EventType, err error) {
	data := map[string]any{
		"job_id":     job.ID,
		"job_type":   string(job.Type),
		"account_id": job.AccountID,
		"attempts":   job.Attempts,
	}
	if err != nil {
		data["detail"] = err.Error()
	}
	r.events.Broadcast(job.UserID, models.Event{
		Type:      eventType,
		UserID:    job.UserID,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// sleepCtx waits for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// mergeDone derives a context cancelled when either parent ends.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

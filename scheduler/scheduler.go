// Package scheduler implements the bounded, rate-limited FIFO task executor
// A single cooperative worker serializes server-side
// mutations (ban/kick/ACL update/redaction) with a minimum inter-task delay
// to respect the chat server's rate limits, and retries transient failures
// with exponential backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Kind tags what a Task does, so callers and metrics can distinguish action
// types without resorting to virtual dispatch on heterogeneous objects.
type Kind string

const (
	KindBan       Kind = "ban"
	KindKick      Kind = "kick"
	KindUnban     Kind = "unban"
	KindRedact    Kind = "redact"
	KindACLUpdate Kind = "acl_update"
)

// Outcome classifies the result of running a task's payload.
type Outcome int

const (
	// OutcomeOK means the task succeeded.
	OutcomeOK Outcome = iota
	// OutcomeTransient means the task failed in a way that's safe and
	// worth retrying (rate limited, 5xx, connection reset).
	OutcomeTransient
	// OutcomePermanent means the task failed in a way retrying won't fix.
	OutcomePermanent
)

// Result is what a task payload reports back to the scheduler.
type Result struct {
	Outcome Outcome
	Err     error
	// RetryAfter overrides the computed backoff delay, e.g. from a
	// rate_limited(retry_after_ms) failure.
	RetryAfter time.Duration
}

// OK builds a successful Result.
func OK() Result { return Result{Outcome: OutcomeOK} }

// Transient builds a Result for an error worth retrying.
func Transient(err error) Result { return Result{Outcome: OutcomeTransient, Err: err} }

// TransientAfter builds a Result for a rate_limited failure that already
// tells us how long to wait.
func TransientAfter(err error, retryAfter time.Duration) Result {
	return Result{Outcome: OutcomeTransient, Err: err, RetryAfter: retryAfter}
}

// Permanent builds a Result for an error that should surface immediately.
func Permanent(err error) Result { return Result{Outcome: OutcomePermanent, Err: err} }

// ErrShutdown is the error a Future resolves with if the scheduler is shut
// down before the task runs.
var ErrShutdown = errors.New("scheduler: shut down before task ran")

// ErrRetriesExhausted wraps the last transient error once a task has used up
// its retry budget.
var ErrRetriesExhausted = errors.New("scheduler: retries exhausted")

// Task is a unit of scheduled work. Run must be idempotent: it targets
// read-modify-write state on the chat server, so re-executing it after a
// transient failure must be safe.
type Task struct {
	// Key identifies the task for logging/metrics; it need not be unique.
	Key  string
	Kind Kind
	// NotBefore is the earliest time this task may start.
	NotBefore time.Time
	Run       func(ctx context.Context) Result

	retries int
}

// Future is returned by Submit; the caller can block on Wait for the final
// result, or ignore it to fire-and-forget.
type Future struct {
	done chan struct{}
	res  Result
}

// Wait blocks until the task completes (successfully, permanently failed,
// retries exhausted, or the scheduler shut down) or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (f *Future) resolve(res Result) {
	f.res = res
	close(f.done)
}

// Config controls throttling and retry behavior.
type Config struct {
	// MinDelay is the minimum time between the completion of one task and
	// the start of the next. Defaults to 1 second, matching
	// background_delay_ms's default.
	MinDelay time.Duration
	// MaxPending bounds the number of tasks that may be queued at once;
	// Submit blocks (respecting ctx) once the bound is reached.
	MaxPending int64
	// MaxRetries caps the number of retries for a transient failure.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = time.Second
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 1024
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_scheduler_queue_depth",
		Help: "Number of tasks currently queued or in flight on the action scheduler",
	})
	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_scheduler_task_duration_seconds",
		Help:    "Time taken to run a single scheduler task attempt",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "outcome"})
)

type queuedTask struct {
	task   *Task
	future *Future
}

// Scheduler is a single-worker, rate-limited FIFO executor.
type Scheduler struct {
	cfg     Config
	limiter *rate.Limiter
	sem     *semaphore.Weighted

	queue chan queuedTask

	shutdownOnce sync.Once
	closed       chan struct{}
	drained      chan struct{}
}

// New creates a Scheduler and starts its worker goroutine.
func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinDelay), 1),
		sem:     semaphore.NewWeighted(cfg.MaxPending),
		queue:   make(chan queuedTask, cfg.MaxPending),
		closed:  make(chan struct{}),
		drained: make(chan struct{}),
	}
	go s.run()
	return s
}

// Submit enqueues a task and returns a Future for its eventual result.
// Submit blocks until there is queue capacity or ctx is cancelled.
func (s *Scheduler) Submit(ctx context.Context, task *Task) (*Future, error) {
	select {
	case <-s.closed:
		return nil, ErrShutdown
	default:
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	future := &Future{done: make(chan struct{})}
	select {
	case s.queue <- queuedTask{task: task, future: future}:
		queueDepth.Inc()
		return future, nil
	case <-s.closed:
		s.sem.Release(1)
		future.resolve(Result{Outcome: OutcomePermanent, Err: ErrShutdown})
		return future, nil
	}
}

func (s *Scheduler) run() {
	defer close(s.drained)
	for {
		select {
		case qt, ok := <-s.queue:
			if !ok {
				return
			}
			s.runOne(qt)
			// The limiter in runOne only spaces task starts; this pause keeps
			// at least MinDelay between a task's completion and the next start.
			pause := time.NewTimer(s.cfg.MinDelay)
			select {
			case <-pause.C:
			case <-s.closed:
				pause.Stop()
			}
		case <-s.closed:
			s.drainRemaining()
			return
		}
	}
}

func (s *Scheduler) drainRemaining() {
	for {
		select {
		case qt, ok := <-s.queue:
			if !ok {
				return
			}
			qt.future.resolve(Result{Outcome: OutcomePermanent, Err: ErrShutdown})
			queueDepth.Dec()
			s.sem.Release(1)
		default:
			return
		}
	}
}

func (s *Scheduler) runOne(qt queuedTask) {
	defer queueDepth.Dec()
	requeued := false
	defer func() {
		// A requeued task keeps its pending-capacity slot.
		if !requeued {
			s.sem.Release(1)
		}
	}()

	if wait := time.Until(qt.task.NotBefore); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.closed:
			timer.Stop()
		}
	}
	ctx := context.Background()
	if err := s.limiter.Wait(ctx); err != nil {
		qt.future.resolve(Result{Outcome: OutcomePermanent, Err: err})
		return
	}

	start := time.Now()
	res := qt.task.Run(ctx)
	taskDuration.WithLabelValues(string(qt.task.Kind), outcomeLabel(res.Outcome)).Observe(time.Since(start).Seconds())

	if res.Outcome != OutcomeTransient {
		qt.future.resolve(res)
		return
	}
	qt.task.retries++
	if qt.task.retries > s.cfg.MaxRetries {
		qt.future.resolve(Result{
			Outcome: OutcomePermanent,
			Err:     fmt.Errorf("%w: %v", ErrRetriesExhausted, res.Err),
		})
		return
	}
	delay := res.RetryAfter
	if delay <= 0 {
		delay = time.Duration(1<<qt.task.retries) * time.Second
	}
	qt.task.NotBefore = time.Now().Add(delay)
	if err := s.resubmit(qt); err != nil {
		qt.future.resolve(Result{Outcome: OutcomePermanent, Err: err})
		return
	}
	requeued = true
}

// resubmit re-queues a task that needs a retry without re-acquiring the
// pending-capacity semaphore (it's already accounted for).
func (s *Scheduler) resubmit(qt queuedTask) error {
	select {
	case s.queue <- qt:
		queueDepth.Inc()
		return nil
	case <-s.closed:
		return ErrShutdown
	}
}

func outcomeLabel(o Outcome) string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// Shutdown stops accepting submissions, resolves any queued-but-not-started
// tasks as cancelled, and waits (up to the context deadline) for the
// in-flight task to finish.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.closed)
	})
	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogTaskError is a small helper for callers that want a one-line warning
// when a future resolves with a non-OK outcome.
func LogTaskError(ctx context.Context, log *zerolog.Logger, task *Task, res Result) {
	if res.Outcome == OutcomeOK {
		return
	}
	log.Warn().
		Err(res.Err).
		Str("task_key", task.Key).
		Str("task_kind", string(task.Kind)).
		Str("outcome", outcomeLabel(res.Outcome)).
		Msg("Scheduled task did not succeed")
}

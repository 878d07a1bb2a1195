// ABOUTME: Background worker pool that runs agent invocations for submitted tasks.
// ABOUTME: Handles retries with constant backoff, the whole-task time limit and worker recycling.

package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/invoker"
)

// Defaults applied by NewExecutor when an option is zero.
const (
	DefaultWorkers           = 4
	DefaultQueueSize         = 256
	DefaultMaxTasksPerWorker = 50
	DefaultRetryDelay        = 60 * time.Second
	DefaultTaskTimeout       = 120 * time.Second
)

// Options configures an Executor.
type Options struct {
	Agent    invoker.Agent
	Store    Store     // nil uses a MemoryStore
	Notifier *Notifier // nil creates a private one

	Workers           int
	QueueSize         int
	MaxRetries        int // retries after the first attempt; negative means none
	MaxTasksPerWorker int // worker goroutine is replaced after this many tasks
	RetryDelay        time.Duration
	TimeLimit         time.Duration // whole-task limit across attempts; 0 disables
	DefaultTimeout    time.Duration // per-attempt timeout when the request has none

	Logger *slog.Logger
}

// Stats is a point-in-time view of executor activity.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueDepth int   `json:"queue_depth"`
	Processed  int64 `json:"processed"`
	Recycled   int64 `json:"recycled"`
	Attempts   int64 `json:"attempts"`
}

// Executor runs submitted tasks on a fixed-size pool of worker goroutines.
type Executor struct {
	agent    invoker.Agent
	store    Store
	notifier *Notifier
	logger   *slog.Logger

	workers           int
	maxRetries        int
	maxTasksPerWorker int
	retryDelay        time.Duration
	timeLimit         time.Duration
	defaultTimeout    time.Duration

	queue chan string

	mu       sync.Mutex
	reserved int // slots held by prepared tasks not yet enqueued
	started  bool
	closed  bool
	quit    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	processed atomic.Int64
	recycled  atomic.Int64
	attempts  atomic.Int64
}

// NewExecutor validates options and builds an idle executor. Call Start to
// begin processing.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Agent == nil {
		return nil, errors.New("executor requires an agent")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := opts.Store
	if st == nil {
		st = NewMemoryStore()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NewNotifier(logger)
	}

	e := &Executor{
		agent:             opts.Agent,
		store:             st,
		notifier:          notifier,
		logger:            logger.With("component", "executor"),
		workers:           opts.Workers,
		maxRetries:        opts.MaxRetries,
		maxTasksPerWorker: opts.MaxTasksPerWorker,
		retryDelay:        opts.RetryDelay,
		timeLimit:         opts.TimeLimit,
		defaultTimeout:    opts.DefaultTimeout,
		quit:              make(chan struct{}),
	}
	if e.workers <= 0 {
		e.workers = DefaultWorkers
	}
	if e.maxRetries < 0 {
		e.maxRetries = 0
	}
	if e.maxTasksPerWorker <= 0 {
		e.maxTasksPerWorker = DefaultMaxTasksPerWorker
	}
	if e.retryDelay < 0 {
		e.retryDelay = DefaultRetryDelay
	}
	if e.defaultTimeout <= 0 {
		e.defaultTimeout = DefaultTaskTimeout
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	e.queue = make(chan string, size)
	return e, nil
}

// Notifier returns the notifier task events are published on.
func (e *Executor) Notifier() *Notifier {
	return e.notifier
}

// Store returns the backing task store.
func (e *Executor) Store() Store {
	return e.store
}

// Start re-queues unfinished tasks from the store and launches the workers.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("executor already started")
	}
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	e.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.mu.Unlock()

	if err := e.recover(ctx); err != nil {
		cancel()
		return err
	}

	for i := range e.workers {
		e.wg.Add(1)
		go e.supervise(runCtx, i)
	}

	e.logger.Info("executor started",
		"workers", e.workers,
		"queue_size", cap(e.queue),
		"max_retries", e.maxRetries,
		"retry_delay", e.retryDelay,
	)
	return nil
}

// recover re-queues tasks a previous process left unfinished.
func (e *Executor) recover(ctx context.Context) error {
	unfinished, err := e.store.ListUnfinishedTasks(ctx)
	if err != nil {
		return fmt.Errorf("listing unfinished tasks: %w", err)
	}
	requeued := 0
	for _, t := range unfinished {
		select {
		case e.queue <- t.ID:
			requeued++
		default:
			e.logger.Warn("queue full during recovery, leaving task pending", "task_id", t.ID)
		}
	}
	if requeued > 0 {
		e.logger.Info("recovered unfinished tasks", "count", requeued)
	}
	return nil
}

// Pending is a persisted task holding a reserved queue slot. Call Enqueue
// once the caller has acknowledged the task; no events are published for it
// before then.
type Pending struct {
	e    *Executor
	task *Task
	once sync.Once
	err  error
}

// Task returns the pending snapshot.
func (p *Pending) Task() *Task {
	return p.task.Clone()
}

// Enqueue hands the task to the workers and releases the reserved slot.
// Calling it more than once is a no-op. If the executor stopped in the
// meantime the task stays pending in the store for the next Start.
func (p *Pending) Enqueue(ctx context.Context) error {
	p.once.Do(func() { p.err = p.e.enqueue(ctx, p.task) })
	return p.err
}

// Prepare validates req, persists a pending task and reserves a queue slot
// for it without handing it to the workers.
func (e *Executor) Prepare(ctx context.Context, req SubmitRequest) (*Pending, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	now := time.Now().UTC()
	task := &Task{
		ID:            uuid.New().String(),
		Prompt:        req.Prompt,
		SessionID:     req.SessionID,
		ParticipantID: req.ParticipantID,
		Timeout:       timeout,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrExecutorClosed
	}
	if len(e.queue)+e.reserved >= cap(e.queue) {
		return nil, ErrQueueFull
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	e.reserved++

	e.logger.Debug("task prepared",
		"task_id", task.ID,
		"session_id", task.SessionID,
		"participant_id", task.ParticipantID,
	)
	return &Pending{e: e, task: task}, nil
}

func (e *Executor) enqueue(ctx context.Context, task *Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reserved--

	if e.closed {
		return ErrExecutorClosed
	}

	// Reservations are counted against capacity, so this only fails if
	// recovery filled the queue after Prepare.
	select {
	case e.queue <- task.ID:
	default:
		_, _ = e.update(ctx, task.ID, func(t *Task) error {
			t.Status = StatusFailed
			t.Error = ErrQueueFull.Error()
			finished := time.Now().UTC()
			t.FinishedAt = &finished
			return nil
		})
		return ErrQueueFull
	}

	e.logger.Debug("task submitted", "task_id", task.ID, "session_id", task.SessionID)
	return nil
}

// Submit persists a pending task and enqueues it. Returns without waiting for
// the agent.
func (e *Executor) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	p, err := e.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := p.Enqueue(ctx); err != nil {
		return nil, err
	}
	return p.Task(), nil
}

// Get returns the current snapshot of a task.
func (e *Executor) Get(ctx context.Context, id string) (*Task, error) {
	return e.store.GetTask(ctx, id)
}

// ListBySession returns a session's tasks, newest first.
func (e *Executor) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Task, error) {
	return e.store.ListTasksBySession(ctx, sessionID, limit)
}

// Stats returns current counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Workers:    e.workers,
		QueueDepth: len(e.queue),
		Processed:  e.processed.Load(),
		Recycled:   e.recycled.Load(),
		Attempts:   e.attempts.Load(),
	}
}

// Stop refuses new submissions and waits for workers to finish their current
// task. Queued tasks stay pending in the store. If ctx expires first, running
// invocations are cancelled and their tasks returned to pending.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.quit)
	cancel := e.cancel
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
		e.logger.Info("executor stopped", "processed", e.processed.Load())
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
		e.logger.Warn("executor stop deadline exceeded, cancelled running tasks")
		return ctx.Err()
	}
}

// supervise keeps one pool slot filled, replacing the worker each time it
// exits after reaching its task quota.
func (e *Executor) supervise(ctx context.Context, slot int) {
	defer e.wg.Done()

	for generation := 0; ; generation++ {
		if !e.work(ctx, slot, generation) {
			return
		}
		e.recycled.Add(1)
		e.logger.Debug("recycling worker", "slot", slot, "generation", generation)
	}
}

// work processes up to maxTasksPerWorker tasks. Returns true when the quota
// was reached and a replacement worker should start.
func (e *Executor) work(ctx context.Context, slot, generation int) bool {
	logger := e.logger.With("slot", slot, "generation", generation)
	for handled := 0; handled < e.maxTasksPerWorker; handled++ {
		select {
		case <-e.quit:
			return false
		case <-ctx.Done():
			return false
		default:
		}

		select {
		case <-e.quit:
			return false
		case <-ctx.Done():
			return false
		case id := <-e.queue:
			e.process(ctx, logger, id)
			e.processed.Add(1)
		}
	}
	return true
}

// process drives one task through its attempts until it settles.
func (e *Executor) process(ctx context.Context, logger *slog.Logger, id string) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		logger.Error("loading queued task", "task_id", id, "error", err)
		return
	}
	if task.Status.IsTerminal() {
		return
	}
	logger = logger.With("task_id", id, "session_id", task.SessionID)

	// Recovered tasks keep the attempts they already used.
	retriesLeft := e.maxRetries - task.Attempts
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if retriesLeft > 0 {
		// WithMaxRetries treats 0 as unlimited, hence the guard.
		policy = backoff.WithMaxRetries(backoff.NewConstantBackOff(e.retryDelay), uint64(retriesLeft))
	}

	for {
		task, err = e.update(ctx, id, func(t *Task) error {
			now := time.Now().UTC()
			t.Status = StatusRunning
			t.Progress = 0
			t.Attempts++
			if t.StartedAt == nil {
				t.StartedAt = &now
			}
			return nil
		})
		if err != nil {
			logger.Error("marking task running", "error", err)
			return
		}
		e.attempts.Add(1)
		logger.Info("task attempt started", "attempt", task.Attempts)

		res := e.invoke(ctx, task)

		if res.Success {
			e.settle(ctx, logger, id, StatusCompleted, res.OutputText(), "")
			return
		}

		if ctx.Err() != nil {
			e.requeueLater(logger, id)
			return
		}

		lastErr := res.ErrorText()
		logger.Warn("task attempt failed", "attempt", task.Attempts, "error", lastErr)

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			e.settle(ctx, logger, id, StatusFailed, "", lastErr)
			return
		}
		if e.timeLimit > 0 && task.StartedAt != nil && time.Now().Add(wait).After(task.StartedAt.Add(e.timeLimit)) {
			e.settle(ctx, logger, id, StatusTimedOut, "", fmt.Sprintf("task time limit %s exceeded: %s", e.timeLimit, lastErr))
			return
		}

		if _, err := e.update(ctx, id, func(t *Task) error {
			t.Status = StatusRetrying
			t.Error = lastErr
			return nil
		}); err != nil {
			logger.Error("marking task retrying", "error", err)
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			e.requeueLater(logger, id)
			return
		}
	}
}

// invoke calls the agent, turning a panic into a failed result.
func (e *Executor) invoke(ctx context.Context, task *Task) (res invoker.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = invoker.Failed(fmt.Sprintf("panic: %v", r))
		}
	}()
	return e.agent.Invoke(ctx, task.Prompt, task.SessionID, task.ParticipantID, task.Timeout)
}

// settle moves the task to a terminal state.
func (e *Executor) settle(ctx context.Context, logger *slog.Logger, id string, status Status, output, errText string) {
	task, err := e.update(ctx, id, func(t *Task) error {
		now := time.Now().UTC()
		t.Status = status
		t.FinishedAt = &now
		if status == StatusCompleted {
			t.Progress = 100
			t.Output = output
			t.Error = ""
		} else {
			t.Error = errText
		}
		return nil
	})
	if err != nil {
		logger.Error("settling task", "status", status, "error", err)
		return
	}
	logger.Info("task finished", "status", status, "attempts", task.Attempts)
}

// requeueLater returns an interrupted task to pending so the next Start
// picks it up. An attempt cut short by shutdown does not count.
func (e *Executor) requeueLater(logger *slog.Logger, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.update(ctx, id, func(t *Task) error {
		if t.Status == StatusRunning && t.Attempts > 0 {
			t.Attempts--
		}
		t.Status = StatusPending
		t.Progress = 0
		return nil
	}); err != nil {
		logger.Error("returning interrupted task to pending", "error", err)
		return
	}
	logger.Info("task interrupted by shutdown, left pending")
}

// update writes through the store and publishes the new snapshot. Writes are
// not abandoned when the worker context is cancelled mid-transition.
func (e *Executor) update(ctx context.Context, id string, fn func(*Task) error) (*Task, error) {
	task, err := e.store.UpdateTask(context.WithoutCancel(ctx), id, fn)
	if err != nil {
		return nil, err
	}
	e.notifier.Publish(task)
	return task, nil
}

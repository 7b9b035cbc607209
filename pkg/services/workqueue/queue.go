package workqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neverdrugs/catalog-engine/pkg/retry"
)

// Queue runs tasks in the background under a per-lane concurrency strategy.
// Tasks failing with a transient error are re-executed with backoff; any
// other error fails the task on its first attempt.
//
// A Queue may be reused: Wait returns once every task enqueued so far has
// reached a terminal state, and later Enqueue calls start a new batch.
type Queue struct {
	mu        sync.Mutex
	tasks     []*taskState
	pending   []*taskState // FIFO of tasks not yet started
	progress  Progress
	firstErr  error
	cancelled bool
	done      chan struct{}

	// slots bounds the number of unfinished tasks admitted by EnqueueWait.
	slots chan struct{}

	strategy ConcurrencyStrategy
	retryCfg *retry.Config

	ctx    context.Context
	cancel context.CancelFunc

	onUpdate func(Progress)
	logger   *zap.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithStrategy sets the concurrency strategy. The default runs one task per lane.
func WithStrategy(strategy ConcurrencyStrategy) QueueOption {
	return func(q *Queue) {
		if strategy != nil {
			q.strategy = strategy
		}
	}
}

// WithRetryConfig sets the backoff applied to transient task failures.
func WithRetryConfig(cfg *retry.Config) QueueOption {
	return func(q *Queue) {
		if cfg != nil {
			q.retryCfg = cfg
		}
	}
}

// WithContext derives the queue's task context from ctx, so cancelling ctx
// stops running tasks.
func WithContext(ctx context.Context) QueueOption {
	return func(q *Queue) {
		q.cancel()
		q.ctx, q.cancel = context.WithCancel(ctx)
	}
}

// WithBacklog caps how many tasks submitted through EnqueueWait may be
// unfinished at once. Producers block in EnqueueWait until a slot frees.
func WithBacklog(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.slots = make(chan struct{}, n)
		}
	}
}

// New creates an idle queue.
func New(logger *zap.Logger, opts ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		done:     make(chan struct{}),
		strategy: NewBoundedStrategy(1, nil),
		retryCfg: retry.ForAttempts(5, 500*time.Millisecond, 30*time.Second),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.Named("workqueue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetOnUpdate registers a callback receiving the task counts after each
// transition. It runs under the queue lock: it must not call back into the
// queue and should return quickly.
func (q *Queue) SetOnUpdate(callback func(Progress)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onUpdate = callback
}

// Enqueue adds a task and starts it if its lane has capacity.
// Tasks enqueued after Cancel are dropped.
func (q *Queue) Enqueue(task Task) {
	q.enqueue(task, false)
}

// EnqueueWait is Enqueue with backpressure: when the queue was built
// WithBacklog it blocks until fewer than the backlog's tasks are unfinished.
// It returns the context error if ctx or the queue ends while waiting.
func (q *Queue) EnqueueWait(ctx context.Context, task Task) error {
	if q.slots == nil {
		q.enqueue(task, false)
		return nil
	}
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return q.ctx.Err()
	}
	q.enqueue(task, true)
	return nil
}

func (q *Queue) enqueue(task Task, slotted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelled {
		if slotted {
			<-q.slots
		}
		q.logger.Warn("Queue cancelled, dropping task",
			zap.String("task_id", task.ID()),
			zap.String("task_name", task.Name()))
		return
	}

	select {
	case <-q.done:
		q.done = make(chan struct{})
	default:
	}

	ts := newTaskState(task)
	ts.slotted = slotted
	q.tasks = append(q.tasks, ts)
	q.pending = append(q.pending, ts)
	q.progress.Total++
	q.progress.add(TaskStatusPending, 1)
	q.logger.Debug("Task enqueued",
		zap.String("task_id", ts.id),
		zap.String("task_name", ts.name),
		zap.String("lane", string(ts.lane)))

	q.notifyLocked()
	q.startEligibleLocked()
}

// transitionLocked moves ts to status and keeps the counters in step.
func (q *Queue) transitionLocked(ts *taskState, status TaskStatus, err error) {
	q.progress.add(ts.getStatus(), -1)
	q.progress.add(status, 1)
	ts.setStatus(status, err)

	if !status.terminal() {
		return
	}
	if status == TaskStatusFailed && q.firstErr == nil {
		q.firstErr = err
	}
	if ts.slotted {
		ts.slotted = false
		<-q.slots
	}
}

func (q *Queue) startEligibleLocked() {
	if q.cancelled {
		return
	}
	waiting := q.pending[:0]
	for _, ts := range q.pending {
		if !q.strategy.CanStart(ts.lane) {
			waiting = append(waiting, ts)
			continue
		}
		q.strategy.OnStart(ts.lane)
		q.transitionLocked(ts, TaskStatusRunning, nil)
		q.notifyLocked()
		go q.run(ts, ts.getTask())
	}
	clear(q.pending[len(waiting):])
	q.pending = waiting
}

func (q *Queue) run(ts *taskState, task Task) {
	maxAttempts := q.retryCfg.MaxRetries + 1

	err := retry.DoIfRetryable(q.ctx, q.retryCfg, func() error {
		attempt := ts.nextAttempt()
		err := task.Execute(q.ctx, q)
		if err != nil && attempt < maxAttempts && retry.IsRetryable(err) {
			q.logger.Warn("Task attempt failed, will retry",
				zap.String("task_id", ts.id),
				zap.String("task_name", ts.name),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Error(err))
		}
		return err
	})

	// The hook runs while the task still counts as running, so continuations
	// it enqueues are registered before Wait can observe an idle queue.
	if hook, ok := task.(CompletionHook); ok {
		hook.OnComplete(err, q)
	}
	q.finish(ts, err)
}

func (q *Queue) finish(ts *taskState, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.strategy.OnComplete(ts.lane)

	fields := []zap.Field{
		zap.String("task_id", ts.id),
		zap.String("task_name", ts.name),
		zap.Int("attempts", ts.snapshot().Attempts),
	}
	switch {
	case err == nil:
		q.transitionLocked(ts, TaskStatusCompleted, nil)
		q.logger.Debug("Task completed", fields...)
	case errors.Is(err, context.Canceled):
		q.transitionLocked(ts, TaskStatusCancelled, nil)
		q.logger.Info("Task cancelled", fields...)
	default:
		q.transitionLocked(ts, TaskStatusFailed, err)
		q.logger.Error("Task failed", append(fields, zap.Error(err))...)
	}
	q.notifyLocked()

	if q.idleLocked() {
		q.closeDoneLocked()
		return
	}
	q.startEligibleLocked()
}

func (q *Queue) idleLocked() bool {
	return q.progress.Pending == 0 && q.progress.Running == 0
}

func (q *Queue) closeDoneLocked() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

func (q *Queue) notifyLocked() {
	if q.onUpdate != nil {
		q.onUpdate(q.progress)
	}
}

// Tasks returns the state of every task enqueued so far.
func (q *Queue) Tasks() []TaskSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]TaskSnapshot, len(q.tasks))
	for i, ts := range q.tasks {
		out[i] = ts.snapshot()
	}
	return out
}

// Progress returns the current task counts.
func (q *Queue) Progress() Progress {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.progress
}

// Wait blocks until every enqueued task is terminal and returns the error
// of the first task that failed. An empty queue returns nil at once. If ctx
// ends first the queue is cancelled and ctx.Err() returned.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	if q.progress.Total == 0 {
		q.mu.Unlock()
		return nil
	}
	done := q.done
	q.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		q.Cancel()
		return ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.firstErr
}

// Cancel stops the queue: running tasks see their context cancelled,
// pending tasks are marked cancelled and later Enqueue calls are dropped.
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelled {
		return
	}
	q.cancelled = true
	q.cancel()
	q.logger.Info("Queue cancelled")

	for _, ts := range q.pending {
		q.transitionLocked(ts, TaskStatusCancelled, nil)
	}
	q.pending = nil
	q.notifyLocked()

	if q.idleLocked() {
		q.closeDoneLocked()
	}
}

// Progress counts tasks by status.
type Progress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func (p *Progress) add(status TaskStatus, n int) {
	switch status {
	case TaskStatusPending:
		p.Pending += n
	case TaskStatusRunning:
		p.Running += n
	case TaskStatusCompleted:
		p.Completed += n
	case TaskStatusFailed:
		p.Failed += n
	case TaskStatusCancelled:
		p.Cancelled += n
	}
}

package workqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Lane groups tasks that share a concurrency budget.
type Lane string

const (
	LaneImport    Lane = "import"    // chunk upserts
	LaneReconcile Lane = "reconcile" // catalog reconciliation batches
	LaneIndex     Lane = "index"     // rank vector recomputation
)

// Task is a unit of work run by a Queue.
type Task interface {
	ID() string
	Name() string
	Lane() Lane

	// Execute runs the task. Retryable errors re-run Execute from the
	// start, so it must be idempotent. enqueuer schedules follow-up tasks
	// on the same queue.
	Execute(ctx context.Context, enqueuer TaskEnqueuer) error
}

// CompletionHook is implemented by tasks that must observe their final
// outcome. OnComplete runs once, after the last attempt and before the task
// is marked terminal, so tasks it enqueues keep the queue open.
type CompletionHook interface {
	OnComplete(err error, enqueuer TaskEnqueuer)
}

// TaskEnqueuer allows tasks to enqueue follow-up tasks.
type TaskEnqueuer interface {
	Enqueue(task Task)
}

// TaskSnapshot is a point-in-time copy of a task's state.
type TaskSnapshot struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Lane        Lane       `json:"lane"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	StartedAt   time.Time  `json:"started_at,omitzero"`
	CompletedAt time.Time  `json:"completed_at,omitzero"`
	Error       string     `json:"error,omitempty"`
}

type taskState struct {
	id   string
	name string
	lane Lane

	mu          sync.Mutex
	task        Task // dropped once terminal
	slotted     bool // holds a backlog slot
	status      TaskStatus
	attempts    int
	err         error
	startedAt   time.Time
	completedAt time.Time
}

func newTaskState(task Task) *taskState {
	return &taskState{
		id:     task.ID(),
		name:   task.Name(),
		lane:   task.Lane(),
		task:   task,
		status: TaskStatusPending,
	}
}

func (ts *taskState) getStatus() TaskStatus {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.status
}

// setStatus moves the task to status, stamping start and end times.
func (ts *taskState) setStatus(status TaskStatus, err error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.status = status
	if err != nil {
		ts.err = err
	}
	switch {
	case status == TaskStatusRunning:
		ts.startedAt = time.Now()
	case status.terminal():
		ts.completedAt = time.Now()
		// Finished tasks can hold large payloads in their closures.
		ts.task = nil
	}
}

func (ts *taskState) getTask() Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.task
}

func (ts *taskState) getErr() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.err
}

func (ts *taskState) nextAttempt() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.attempts++
	return ts.attempts
}

func (ts *taskState) snapshot() TaskSnapshot {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	s := TaskSnapshot{
		ID:          ts.id,
		Name:        ts.name,
		Lane:        ts.lane,
		Status:      ts.status,
		Attempts:    ts.attempts,
		StartedAt:   ts.startedAt,
		CompletedAt: ts.completedAt,
	}
	if ts.err != nil {
		s.Error = ts.err.Error()
	}
	return s
}

type funcTask struct {
	id   string
	name string
	lane Lane
	fn   func(ctx context.Context, enqueuer TaskEnqueuer) error
}

// NewFuncTask wraps fn as a task in lane with a fresh ID.
func NewFuncTask(name string, lane Lane, fn func(ctx context.Context, enqueuer TaskEnqueuer) error) Task {
	return &funcTask{id: uuid.NewString(), name: name, lane: lane, fn: fn}
}

func (t *funcTask) ID() string   { return t.id }
func (t *funcTask) Name() string { return t.name }
func (t *funcTask) Lane() Lane   { return t.lane }

func (t *funcTask) Execute(ctx context.Context, enqueuer TaskEnqueuer) error {
	if t.fn == nil {
		return nil
	}
	return t.fn(ctx, enqueuer)
}

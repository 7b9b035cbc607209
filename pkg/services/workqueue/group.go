package workqueue

import (
	"context"
	"sync/atomic"
)

// Group is a fan-in barrier over a fixed number of member tasks. When the
// last member finishes, successfully or not, the continuation is built and
// enqueued exactly once, regardless of completion order or concurrency.
type Group struct {
	remaining    atomic.Int64
	failed       atomic.Int64
	fired        atomic.Bool
	continuation func(failures int) Task
}

// NewGroup creates a barrier expecting size members. continuation receives
// the number of members that failed. A group of size zero never fires;
// callers enqueue the continuation directly in that case.
func NewGroup(size int, continuation func(failures int) Task) *Group {
	g := &Group{continuation: continuation}
	g.remaining.Store(int64(size))
	return g
}

// Add wraps task as a member of the group.
func (g *Group) Add(task Task) Task {
	return &groupMember{Task: task, group: g}
}

// Remaining returns how many members have not finished.
func (g *Group) Remaining() int {
	return int(g.remaining.Load())
}

// Fired reports whether the continuation has been enqueued.
func (g *Group) Fired() bool {
	return g.fired.Load()
}

func (g *Group) memberDone(err error, enqueuer TaskEnqueuer) {
	if err != nil {
		g.failed.Add(1)
	}
	if g.remaining.Add(-1) != 0 {
		return
	}
	if g.fired.CompareAndSwap(false, true) {
		enqueuer.Enqueue(g.continuation(int(g.failed.Load())))
	}
}

type groupMember struct {
	Task
	group *Group
	once  atomic.Bool
}

func (m *groupMember) Execute(ctx context.Context, enqueuer TaskEnqueuer) error {
	return m.Task.Execute(ctx, enqueuer)
}

func (m *groupMember) OnComplete(err error, enqueuer TaskEnqueuer) {
	if hook, ok := m.Task.(CompletionHook); ok {
		hook.OnComplete(err, enqueuer)
	}
	if m.once.CompareAndSwap(false, true) {
		m.group.memberDone(err, enqueuer)
	}
}

package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/neverdrugs/catalog-engine/pkg/config"
	"github.com/neverdrugs/catalog-engine/pkg/observability"
	"github.com/neverdrugs/catalog-engine/pkg/retry"
	"github.com/neverdrugs/catalog-engine/pkg/services/workqueue"
)

// Waiter blocks until background work started by a call has finished.
// *workqueue.Queue satisfies it.
type Waiter interface {
	Wait(ctx context.Context) error
}

// doneWaiter is returned when there was nothing to run in the background.
type doneWaiter struct{ err error }

func (w doneWaiter) Wait(context.Context) error { return w.err }

// waitAll waits on each waiter in turn and returns the first error.
type waitAll []Waiter

func (ws waitAll) Wait(ctx context.Context) error {
	var first error
	for _, w := range ws {
		if err := w.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// QueueFactory builds work queues configured from the import settings.
// Every queue reports its task counts to the catalog_queue_tasks gauge.
type QueueFactory struct {
	cfg    config.ImportConfig
	logger *zap.Logger
}

func NewQueueFactory(cfg config.ImportConfig, logger *zap.Logger) *QueueFactory {
	return &QueueFactory{cfg: cfg, logger: logger}
}

// New returns an idle queue. Each lane runs up to max_workers tasks at once
// and transient failures are retried up to max_attempts times.
func (f *QueueFactory) New(name string, opts ...workqueue.QueueOption) *workqueue.Queue {
	base := []workqueue.QueueOption{
		workqueue.WithStrategy(workqueue.NewBoundedStrategy(f.cfg.MaxWorkers, nil)),
		workqueue.WithRetryConfig(retry.ForAttempts(f.cfg.MaxAttempts, f.cfg.InitialBackoff, f.cfg.MaxBackoff)),
		workqueue.WithBacklog(f.backlog()),
	}
	q := workqueue.New(f.logger.With(zap.String("queue", name)), append(base, opts...)...)

	q.SetOnUpdate(func(p workqueue.Progress) {
		observability.QueueTasks.WithLabelValues(name, string(workqueue.TaskStatusPending)).Set(float64(p.Pending))
		observability.QueueTasks.WithLabelValues(name, string(workqueue.TaskStatusRunning)).Set(float64(p.Running))
		observability.QueueTasks.WithLabelValues(name, string(workqueue.TaskStatusFailed)).Set(float64(p.Failed))
	})
	return q
}

// backlog is how many unfinished tasks a producer may have queued: enough to
// keep every worker busy while the next batch is being read.
func (f *QueueFactory) backlog() int {
	return 2 * max(f.cfg.MaxWorkers, 1)
}

// batches splits items into consecutive slices of at most size elements.
func batches[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

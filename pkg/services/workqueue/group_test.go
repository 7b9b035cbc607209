package workqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/neverdrugs/catalog-engine/pkg/retry"
)

func TestGroup_FiresOnceAfterAllMembers(t *testing.T) {
	q := New(zap.NewNop(), WithStrategy(NewBoundedStrategy(1, map[Lane]int{LaneImport: 8})))

	var fired atomic.Int32
	var sawFailures atomic.Int32
	sawFailures.Store(-1)

	const members = 50
	var finished atomic.Int32
	g := NewGroup(members, func(failures int) Task {
		return NewFuncTask("continuation", LaneReconcile, func(ctx context.Context, enqueuer TaskEnqueuer) error {
			if finished.Load() != members {
				return errors.New("continuation ran before all members finished")
			}
			fired.Add(1)
			sawFailures.Store(int32(failures))
			return nil
		})
	})

	for i := 0; i < members; i++ {
		fail := i%10 == 0
		q.Enqueue(g.Add(NewFuncTask("member", LaneImport, func(ctx context.Context, enqueuer TaskEnqueuer) error {
			time.Sleep(time.Millisecond)
			finished.Add(1)
			if fail {
				return errors.New("invalid chunk")
			}
			return nil
		})))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = q.Wait(ctx)

	if fired.Load() != 1 {
		t.Fatalf("expected continuation to fire exactly once, fired %d", fired.Load())
	}
	if sawFailures.Load() != 5 {
		t.Errorf("expected 5 failures, got %d", sawFailures.Load())
	}
	if !g.Fired() || g.Remaining() != 0 {
		t.Errorf("expected group drained and fired, remaining=%d fired=%v", g.Remaining(), g.Fired())
	}
}

func TestGroup_RetriedMemberCountsOnce(t *testing.T) {
	q := New(zap.NewNop(), WithRetryConfig(retry.ForAttempts(3, time.Millisecond, time.Millisecond)))

	var fired atomic.Int32
	g := NewGroup(2, func(failures int) Task {
		return NewFuncTask("continuation", LaneReconcile, func(ctx context.Context, enqueuer TaskEnqueuer) error {
			fired.Add(1)
			return nil
		})
	})

	var calls atomic.Int32
	q.Enqueue(g.Add(NewFuncTask("flaky", LaneImport, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		if calls.Add(1) < 3 {
			return errors.New("i/o timeout")
		}
		return nil
	})))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fired.Load() != 0 {
		t.Fatal("continuation fired with a member still outstanding")
	}
	if g.Remaining() != 1 {
		t.Errorf("expected 1 remaining member, got %d", g.Remaining())
	}

	q.Enqueue(g.Add(NewFuncTask("second", LaneImport, noop)))
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fired.Load() != 1 {
		t.Errorf("expected continuation to fire once, fired %d", fired.Load())
	}
}

func noop(ctx context.Context, enqueuer TaskEnqueuer) error { return nil }

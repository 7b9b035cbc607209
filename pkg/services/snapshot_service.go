package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neverdrugs/catalog-engine/pkg/apperrors"
	"github.com/neverdrugs/catalog-engine/pkg/cache"
	"github.com/neverdrugs/catalog-engine/pkg/database"
	"github.com/neverdrugs/catalog-engine/pkg/models"
	"github.com/neverdrugs/catalog-engine/pkg/observability"
	"github.com/neverdrugs/catalog-engine/pkg/repositories"
	"github.com/neverdrugs/catalog-engine/pkg/retry"
)

// SnapshotService owns import snapshots and the single-active-snapshot invariant.
type SnapshotService interface {
	// Create inserts an inactive snapshot with zeroed counters.
	Create(ctx context.Context, kind models.SnapshotKind, recordCount int64) (*models.Snapshot, error)

	// Get returns a snapshot by ID.
	Get(ctx context.Context, id uuid.UUID) (*models.Snapshot, error)

	// List returns every snapshot of kind, newest first.
	List(ctx context.Context, kind models.SnapshotKind) ([]*models.Snapshot, error)

	// GetActive returns the active snapshot of kind, or nil if none is active.
	// Reads go through a short-TTL cache that every write invalidates.
	GetActive(ctx context.Context, kind models.SnapshotKind) (*models.Snapshot, error)

	// Activate makes id the only active snapshot of its kind in one
	// transaction and dispatches reconciliation. The returned Waiter
	// completes when reconciliation has finished.
	// Returns apperrors.ErrNotFound without changing state if id does not exist.
	Activate(ctx context.Context, id uuid.UUID) (Waiter, error)

	// ResumePending re-dispatches reconciliation for active snapshots whose
	// previous reconciliation never completed.
	ResumePending(ctx context.Context) (Waiter, error)

	IncrementInserted(ctx context.Context, id uuid.UUID, n int64) error
	IncrementDerived(ctx context.Context, id uuid.UUID, n int64) error
	SetRecordCount(ctx context.Context, id uuid.UUID, n int64) error
	MarkReconciled(ctx context.Context, id uuid.UUID) error
}

// SnapshotProgress records reconciliation outcomes on a snapshot.
type SnapshotProgress interface {
	IncrementDerived(ctx context.Context, id uuid.UUID, n int64) error
	MarkReconciled(ctx context.Context, id uuid.UUID) error
}

// Reconciler derives catalog entities from a newly activated snapshot.
type Reconciler interface {
	Dispatch(ctx context.Context, snapshot *models.Snapshot, progress SnapshotProgress) (Waiter, error)
}

type snapshotService struct {
	db         database.TxRunner
	repo       repositories.SnapshotRepository
	cache      cache.Cache
	cacheTTL   time.Duration
	reconciler Reconciler
	retryCfg   *retry.Config
	logger     *zap.Logger
}

// NewSnapshotService creates a SnapshotService. snapshotCache holds the
// active-snapshot pointers and must not be shared with the query cache
// namespace. reconciler may be nil, in which case activation only flips
// the active flag.
func NewSnapshotService(
	db database.TxRunner,
	repo repositories.SnapshotRepository,
	snapshotCache cache.Cache,
	cacheTTL time.Duration,
	reconciler Reconciler,
	retryCfg *retry.Config,
	logger *zap.Logger,
) SnapshotService {
	return &snapshotService{
		db:         db,
		repo:       repo,
		cache:      snapshotCache,
		cacheTTL:   cacheTTL,
		reconciler: reconciler,
		retryCfg:   retryCfg,
		logger:     logger.Named("snapshot-service"),
	}
}

var _ SnapshotService = (*snapshotService)(nil)

// activeKey is the cache key of the active-snapshot pointer for kind.
func activeKey(kind models.SnapshotKind) string {
	return "active:" + string(kind)
}

// generationKey counts writes to kind's snapshots. A cached pointer is only
// served while its generation is current.
func generationKey(kind models.SnapshotKind) string {
	return "generation:" + string(kind)
}

type cachedPointer struct {
	Generation int64            `json:"generation"`
	Snapshot   *models.Snapshot `json:"snapshot"`
}

func (s *snapshotService) Create(ctx context.Context, kind models.SnapshotKind, recordCount int64) (*models.Snapshot, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown snapshot kind %q", apperrors.ErrValidation, kind)
	}
	ctx = s.db.WithScope(ctx)

	snap := &models.Snapshot{
		ID:          uuid.New(),
		Kind:        kind,
		RecordCount: recordCount,
	}
	if err := s.repo.Create(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}

	s.logger.Info("Snapshot created",
		zap.String("snapshot_id", snap.ID.String()),
		zap.String("kind", string(kind)))
	return snap, nil
}

func (s *snapshotService) Get(ctx context.Context, id uuid.UUID) (*models.Snapshot, error) {
	return s.repo.GetByID(s.db.WithScope(ctx), id)
}

func (s *snapshotService) List(ctx context.Context, kind models.SnapshotKind) ([]*models.Snapshot, error) {
	return s.repo.List(s.db.WithScope(ctx), kind)
}

func (s *snapshotService) GetActive(ctx context.Context, kind models.SnapshotKind) (*models.Snapshot, error) {
	// The generation is read before the database so a fill racing with an
	// activation carries the older generation and is never served.
	gen, err := s.generation(ctx, kind)
	cacheable := err == nil
	if !cacheable {
		observability.CacheErrorsTotal.WithLabelValues("snapshot_generation").Inc()
		s.logger.Warn("Active snapshot generation unavailable, reading from database",
			zap.String("kind", string(kind)),
			zap.Error(err))
	}

	if cacheable {
		var cached cachedPointer
		err := cache.GetJSON(ctx, s.cache, activeKey(kind), &cached)
		switch {
		case err == nil && cached.Generation == gen && cached.Snapshot != nil:
			return cached.Snapshot, nil
		case err != nil && !errors.Is(err, cache.ErrMiss):
			observability.CacheErrorsTotal.WithLabelValues("snapshot_get").Inc()
			s.logger.Warn("Active snapshot cache read failed, reading from database",
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
	}

	snap, err := s.repo.GetActive(s.db.WithScope(ctx), kind)
	if err != nil {
		return nil, fmt.Errorf("failed to get active snapshot: %w", err)
	}
	if snap == nil || !cacheable {
		// "No active snapshot" is not cached so the first activation is seen immediately.
		return snap, nil
	}

	if err := cache.SetJSON(ctx, s.cache, activeKey(kind), cachedPointer{Generation: gen, Snapshot: snap}, s.cacheTTL); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("snapshot_set").Inc()
		s.logger.Warn("Failed to cache active snapshot",
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	return snap, nil
}

func (s *snapshotService) generation(ctx context.Context, kind models.SnapshotKind) (int64, error) {
	raw, err := s.cache.Get(ctx, generationKey(kind))
	if errors.Is(err, cache.ErrMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

func (s *snapshotService) Activate(ctx context.Context, id uuid.UUID) (Waiter, error) {
	ctx = s.db.WithScope(ctx)

	var activated *models.Snapshot
	err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
		return s.db.InTx(ctx, func(ctx context.Context) error {
			snap, err := s.repo.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if err := s.repo.LockKind(ctx, snap.Kind); err != nil {
				return err
			}
			if err := s.repo.Activate(ctx, snap.ID, snap.Kind); err != nil {
				return err
			}
			// Invalidated before and after commit: a reader that fills the
			// cache between the two holds a generation that is already stale.
			s.invalidate(ctx, snap.Kind)

			snap.Active = true
			snap.ReconciledAt = nil
			activated = snap
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to activate snapshot %s: %w", id, err)
	}
	s.invalidate(ctx, activated.Kind)

	observability.SnapshotActivationsTotal.WithLabelValues(string(activated.Kind)).Inc()
	s.logger.Info("Snapshot activated",
		zap.String("snapshot_id", activated.ID.String()),
		zap.String("kind", string(activated.Kind)))

	return s.dispatch(ctx, activated)
}

func (s *snapshotService) dispatch(ctx context.Context, snap *models.Snapshot) (Waiter, error) {
	if s.reconciler == nil {
		return doneWaiter{}, nil
	}
	w, err := s.reconciler.Dispatch(ctx, snap, s)
	if err != nil {
		// Activation is committed and reconciled_at stays NULL, so
		// ResumePending picks this snapshot up on the next start.
		s.logger.Error("Failed to dispatch reconciliation",
			zap.String("snapshot_id", snap.ID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to dispatch reconciliation: %w", err)
	}
	return w, nil
}

func (s *snapshotService) ResumePending(ctx context.Context) (Waiter, error) {
	pending, err := s.repo.ListPendingReconciliation(s.db.WithScope(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots pending reconciliation: %w", err)
	}

	var waiters waitAll
	for _, snap := range pending {
		s.logger.Info("Resuming reconciliation",
			zap.String("snapshot_id", snap.ID.String()),
			zap.String("kind", string(snap.Kind)))
		w, err := s.dispatch(ctx, snap)
		if err != nil {
			return waiters, err
		}
		waiters = append(waiters, w)
	}
	return waiters, nil
}

func (s *snapshotService) IncrementInserted(ctx context.Context, id uuid.UUID, n int64) error {
	return s.mutate(ctx, id, "inserted_count", func(ctx context.Context) (*models.Snapshot, error) {
		return s.repo.IncrementInserted(ctx, id, n)
	})
}

func (s *snapshotService) IncrementDerived(ctx context.Context, id uuid.UUID, n int64) error {
	return s.mutate(ctx, id, "derived_count", func(ctx context.Context) (*models.Snapshot, error) {
		return s.repo.IncrementDerived(ctx, id, n)
	})
}

func (s *snapshotService) SetRecordCount(ctx context.Context, id uuid.UUID, n int64) error {
	return s.mutate(ctx, id, "record_count", func(ctx context.Context) (*models.Snapshot, error) {
		return s.repo.SetRecordCount(ctx, id, n)
	})
}

func (s *snapshotService) MarkReconciled(ctx context.Context, id uuid.UUID) error {
	return s.mutate(ctx, id, "reconciled_at", func(ctx context.Context) (*models.Snapshot, error) {
		if err := s.repo.MarkReconciled(ctx, id); err != nil {
			return nil, err
		}
		return s.repo.GetByID(ctx, id)
	})
}

// mutate applies a single-row update and drops the cached pointer when the
// updated row is the active one.
func (s *snapshotService) mutate(ctx context.Context, id uuid.UUID, field string, fn func(ctx context.Context) (*models.Snapshot, error)) error {
	snap, err := fn(s.db.WithScope(ctx))
	if err != nil {
		return fmt.Errorf("failed to update snapshot %s %s: %w", id, field, err)
	}
	if snap.Active {
		s.invalidate(ctx, snap.Kind)
	}
	return nil
}

// invalidate advances kind's generation, which retires every pointer
// filled so far, and drops the current one.
func (s *snapshotService) invalidate(ctx context.Context, kind models.SnapshotKind) {
	if _, err := s.cache.Incr(ctx, generationKey(kind)); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("snapshot_generation").Inc()
		s.logger.Warn("Failed to advance active snapshot generation",
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	if err := s.cache.Delete(ctx, activeKey(kind)); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("snapshot_delete").Inc()
		s.logger.Warn("Failed to invalidate active snapshot cache",
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

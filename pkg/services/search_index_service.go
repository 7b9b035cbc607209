package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neverdrugs/catalog-engine/pkg/apperrors"
	"github.com/neverdrugs/catalog-engine/pkg/database"
	"github.com/neverdrugs/catalog-engine/pkg/models"
	"github.com/neverdrugs/catalog-engine/pkg/observability"
	"github.com/neverdrugs/catalog-engine/pkg/repositories"
	"github.com/neverdrugs/catalog-engine/pkg/services/workqueue"
)

// SearchIndexService maintains one search index row per indexable entity.
// Writes only mark the rank vector stale; vectors are rebuilt in batches
// by RecomputeVectors, dispatched from SweepUnprocessed.
type SearchIndexService interface {
	// UpsertFor writes the index row of e and marks its vector stale.
	UpsertFor(ctx context.Context, e models.Indexable) error

	// Delete removes the index row of an entity. Missing rows are ignored.
	Delete(ctx context.Context, kind models.EntityKind, entityID uuid.UUID) error

	// RecomputeVectors rebuilds the rank vectors of the given rows.
	RecomputeVectors(ctx context.Context, ids []int64) (int64, error)

	// SweepUnprocessed dispatches RecomputeVectors over every stale row.
	SweepUnprocessed(ctx context.Context) (Waiter, error)

	// RunScheduler starts a background loop sweeping on the given interval.
	// Cancel the context to stop the scheduler.
	RunScheduler(ctx context.Context, interval time.Duration)
}

type searchIndexService struct {
	db        database.TxRunner
	repo      repositories.SearchIndexRepository
	queues    *QueueFactory
	batchSize int
	logger    *zap.Logger
}

func NewSearchIndexService(
	db database.TxRunner,
	repo repositories.SearchIndexRepository,
	queues *QueueFactory,
	batchSize int,
	logger *zap.Logger,
) SearchIndexService {
	return &searchIndexService{
		db:        db,
		repo:      repo,
		queues:    queues,
		batchSize: batchSize,
		logger:    logger.Named("search-index-service"),
	}
}

var _ SearchIndexService = (*searchIndexService)(nil)

func (s *searchIndexService) UpsertFor(ctx context.Context, e models.Indexable) error {
	entry := models.NewSearchIndexEntry(e)
	if !entry.EntityKind.Valid() {
		return fmt.Errorf("%w: unknown entity kind %q", apperrors.ErrValidation, entry.EntityKind)
	}
	if entry.EntityID == uuid.Nil {
		return fmt.Errorf("%w: entity has no id", apperrors.ErrValidation)
	}

	if err := s.repo.Upsert(s.db.WithScope(ctx), entry); err != nil {
		return fmt.Errorf("failed to index %s %s: %w", entry.EntityKind, entry.EntityID, err)
	}
	return nil
}

func (s *searchIndexService) Delete(ctx context.Context, kind models.EntityKind, entityID uuid.UUID) error {
	if err := s.repo.Delete(s.db.WithScope(ctx), kind, entityID); err != nil {
		return fmt.Errorf("failed to delete index row for %s %s: %w", kind, entityID, err)
	}
	return nil
}

func (s *searchIndexService) RecomputeVectors(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.repo.RecomputeVectors(s.db.WithScope(ctx), ids)
	if err != nil {
		return 0, fmt.Errorf("failed to recompute rank vectors: %w", err)
	}
	observability.VectorsRecomputedTotal.Add(float64(n))
	return n, nil
}

func (s *searchIndexService) SweepUnprocessed(ctx context.Context) (Waiter, error) {
	ids, err := s.repo.ListUnprocessedIDs(s.db.WithScope(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale index rows: %w", err)
	}
	if len(ids) == 0 {
		return doneWaiter{}, nil
	}

	q := s.queues.New("index")
	for i, batch := range batches(ids, s.batchSize) {
		batch := batch
		q.Enqueue(workqueue.NewFuncTask(fmt.Sprintf("recompute vectors %d", i), workqueue.LaneIndex,
			func(ctx context.Context, _ workqueue.TaskEnqueuer) error {
				_, err := s.RecomputeVectors(ctx, batch)
				return err
			}))
	}

	s.logger.Info("Rank vector sweep dispatched",
		zap.Int("stale_rows", len(ids)),
		zap.Int("batch_size", s.batchSize))
	return q, nil
}

// RunScheduler starts a background loop that recomputes stale rank vectors,
// so a crashed or skipped vector job is eventually retried.
func (s *searchIndexService) RunScheduler(ctx context.Context, interval time.Duration) {
	go func() {
		s.logger.Info("Rank vector sweep scheduler started", zap.Duration("interval", interval))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Rank vector sweep scheduler stopped")
				return
			case <-ticker.C:
				s.sweepAndWait(ctx)
			}
		}
	}()
}

func (s *searchIndexService) sweepAndWait(ctx context.Context) {
	w, err := s.SweepUnprocessed(ctx)
	if err != nil {
		s.logger.Error("Rank vector sweep failed", zap.Error(err))
		return
	}
	if err := w.Wait(ctx); err != nil {
		s.logger.Error("Rank vector sweep finished with failures", zap.Error(err))
	}
}

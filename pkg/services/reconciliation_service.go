package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neverdrugs/catalog-engine/pkg/database"
	"github.com/neverdrugs/catalog-engine/pkg/models"
	"github.com/neverdrugs/catalog-engine/pkg/observability"
	"github.com/neverdrugs/catalog-engine/pkg/repositories"
	"github.com/neverdrugs/catalog-engine/pkg/services/workqueue"
)

// ReconciliationService derives catalog entities from an active snapshot:
// Drugs from level-5 taxonomy leaves and Conditions from clinical records,
// matched case-insensitively by name. The catalog is cumulative; links from
// superseded snapshots are kept.
type ReconciliationService interface {
	Reconciler

	// ReconcileLeaves links each leaf to every Drug sharing its name,
	// creating one Drug when none exists. Returns the number of Drugs created.
	ReconcileLeaves(ctx context.Context, nodeIDs []uuid.UUID) (int, error)

	// ReconcileClinical does the same for clinical records and Conditions.
	ReconcileClinical(ctx context.Context, recordIDs []uuid.UUID) (int, error)
}

type reconciliationService struct {
	db        database.TxRunner
	hierarchy repositories.HierarchyRepository
	clinical  repositories.ClinicalRepository
	catalog   repositories.CatalogRepository
	index     SearchIndexService
	queues    *QueueFactory
	batchSize int
	logger    *zap.Logger
}

func NewReconciliationService(
	db database.TxRunner,
	hierarchy repositories.HierarchyRepository,
	clinical repositories.ClinicalRepository,
	catalog repositories.CatalogRepository,
	index SearchIndexService,
	queues *QueueFactory,
	batchSize int,
	logger *zap.Logger,
) ReconciliationService {
	return &reconciliationService{
		db:        db,
		hierarchy: hierarchy,
		clinical:  clinical,
		catalog:   catalog,
		index:     index,
		queues:    queues,
		batchSize: batchSize,
		logger:    logger.Named("reconciliation-service"),
	}
}

var _ ReconciliationService = (*reconciliationService)(nil)

// Dispatch fans the snapshot's leaves (or records) out over batch tasks.
// A Group barrier enqueues the continuation once every batch has finished.
// The continuation marks the snapshot reconciled when no batch failed and
// then sweeps stale rank vectors.
func (s *reconciliationService) Dispatch(ctx context.Context, snap *models.Snapshot, progress SnapshotProgress) (Waiter, error) {
	ctx = s.db.WithScope(ctx)

	var (
		ids       []uuid.UUID
		err       error
		reconcile func(ctx context.Context, ids []uuid.UUID) (int, error)
		created   string
	)
	switch snap.Kind {
	case models.SnapshotKindTaxonomy:
		ids, err = s.hierarchy.ListLeafIDs(ctx, snap.ID)
		reconcile = s.ReconcileLeaves
		created = string(models.EntityKindDrug)
	case models.SnapshotKindClinical:
		ids, err = s.clinical.ListIDs(ctx, snap.ID)
		reconcile = s.ReconcileClinical
		created = string(models.EntityKindCondition)
	default:
		return nil, fmt.Errorf("cannot reconcile snapshot kind %q", snap.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list records of snapshot %s: %w", snap.ID, err)
	}

	q := s.queues.New("reconcile")
	parts := batches(ids, s.batchSize)

	finish := func(failures int) workqueue.Task {
		return workqueue.NewFuncTask("finish reconciliation", workqueue.LaneIndex,
			func(ctx context.Context, _ workqueue.TaskEnqueuer) error {
				return s.finish(ctx, snap, progress, len(parts), failures)
			})
	}

	if len(parts) == 0 {
		q.Enqueue(finish(0))
		return q, nil
	}

	group := workqueue.NewGroup(len(parts), finish)
	for i, part := range parts {
		part := part
		q.Enqueue(group.Add(workqueue.NewFuncTask(fmt.Sprintf("reconcile %s batch %d", snap.Kind, i), workqueue.LaneReconcile,
			func(ctx context.Context, _ workqueue.TaskEnqueuer) error {
				n, err := reconcile(ctx, part)
				// Entities committed before an error still count; a retry
				// finds them by name and does not create them again.
				if n > 0 {
					observability.ReconciledEntitiesTotal.WithLabelValues(created).Add(float64(n))
					if incErr := progress.IncrementDerived(ctx, snap.ID, int64(n)); incErr != nil && err == nil {
						err = incErr
					}
				}
				if err != nil {
					observability.ReconcileBatchesTotal.WithLabelValues("error").Inc()
					return err
				}
				observability.ReconcileBatchesTotal.WithLabelValues("ok").Inc()
				return nil
			})))
	}

	s.logger.Info("Reconciliation dispatched",
		zap.String("snapshot_id", snap.ID.String()),
		zap.String("kind", string(snap.Kind)),
		zap.Int("records", len(ids)),
		zap.Int("batches", len(parts)))
	return q, nil
}

func (s *reconciliationService) finish(ctx context.Context, snap *models.Snapshot, progress SnapshotProgress, batchCount, failures int) error {
	if failures == 0 {
		if err := progress.MarkReconciled(ctx, snap.ID); err != nil {
			return err
		}
		s.logger.Info("Reconciliation complete",
			zap.String("snapshot_id", snap.ID.String()),
			zap.Int("batches", batchCount))
	} else {
		s.logger.Error("Reconciliation finished with failed batches; snapshot stays pending",
			zap.String("snapshot_id", snap.ID.String()),
			zap.Int("batches", batchCount),
			zap.Int("failed_batches", failures))
	}

	w, err := s.index.SweepUnprocessed(ctx)
	if err != nil {
		return err
	}
	return w.Wait(ctx)
}

func (s *reconciliationService) ReconcileLeaves(ctx context.Context, nodeIDs []uuid.UUID) (int, error) {
	ctx = s.db.WithScope(ctx)

	nodes, err := s.hierarchy.GetByIDs(ctx, nodeIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to load leaves: %w", err)
	}

	created := 0
	for _, node := range nodes {
		name := strings.TrimSpace(node.Name)
		if !node.IsLeaf() || name == "" {
			continue
		}
		var made bool
		err := s.db.InTx(ctx, func(ctx context.Context) error {
			var err error
			made, err = s.reconcileLeaf(ctx, node, name)
			return err
		})
		if err != nil {
			return created, fmt.Errorf("failed to reconcile leaf %q: %w", node.Code, err)
		}
		if made {
			created++
		}
	}
	return created, nil
}

func (s *reconciliationService) reconcileLeaf(ctx context.Context, node *models.HierarchyNode, name string) (bool, error) {
	if err := s.catalog.LockName(ctx, models.EntityKindDrug, name); err != nil {
		return false, err
	}

	drugs, err := s.catalog.FindDrugsByName(ctx, name)
	if err != nil {
		return false, err
	}

	made := false
	if len(drugs) == 0 {
		d := &models.Drug{ID: uuid.New(), Name: name, Searchable: node.Searchable}
		if err := s.catalog.CreateDrug(ctx, d); err != nil {
			return false, err
		}
		drugs = []*models.Drug{d}
		made = true
	}

	for _, d := range drugs {
		linked, err := s.catalog.LinkDrugLeaf(ctx, d.ID, node.ID)
		if err != nil {
			return false, err
		}
		if !linked && !made {
			continue
		}
		// Reload so the index row carries the drug's categories.
		full, err := s.catalog.GetDrug(ctx, d.ID)
		if err != nil {
			return false, err
		}
		if err := s.index.UpsertFor(ctx, full); err != nil {
			return false, err
		}
	}
	return made, nil
}

func (s *reconciliationService) ReconcileClinical(ctx context.Context, recordIDs []uuid.UUID) (int, error) {
	ctx = s.db.WithScope(ctx)

	records, err := s.clinical.GetByIDs(ctx, recordIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to load clinical records: %w", err)
	}

	created := 0
	for _, rec := range records {
		name := strings.TrimSpace(rec.Name)
		if name == "" {
			continue
		}
		var made bool
		err := s.db.InTx(ctx, func(ctx context.Context) error {
			var err error
			made, err = s.reconcileRecord(ctx, rec, name)
			return err
		})
		if err != nil {
			return created, fmt.Errorf("failed to reconcile clinical record %q: %w", rec.Code, err)
		}
		if made {
			created++
		}
	}
	return created, nil
}

func (s *reconciliationService) reconcileRecord(ctx context.Context, rec *models.ClinicalRecord, name string) (bool, error) {
	if err := s.catalog.LockName(ctx, models.EntityKindCondition, name); err != nil {
		return false, err
	}

	conditions, err := s.catalog.FindConditionsByName(ctx, name)
	if err != nil {
		return false, err
	}

	made := false
	if len(conditions) == 0 {
		c := &models.Condition{ID: uuid.New(), Name: name, Description: rec.Description, Searchable: true}
		if err := s.catalog.CreateCondition(ctx, c); err != nil {
			return false, err
		}
		conditions = []*models.Condition{c}
		made = true
	}

	for _, c := range conditions {
		linked, err := s.catalog.LinkConditionRecord(ctx, c.ID, rec.ID)
		if err != nil {
			return false, err
		}
		if !linked && !made {
			continue
		}
		if err := s.index.UpsertFor(ctx, c); err != nil {
			return false, err
		}
	}
	return made, nil
}

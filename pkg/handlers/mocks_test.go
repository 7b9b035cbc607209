package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/neverdrugs/catalog-engine/pkg/apperrors"
	"github.com/neverdrugs/catalog-engine/pkg/models"
	"github.com/neverdrugs/catalog-engine/pkg/services"
)

type mockSearchService struct {
	hits    []models.SearchHit
	err     error
	queries []string
}

var _ services.SearchService = (*mockSearchService)(nil)

func (m *mockSearchService) Search(_ context.Context, raw string) ([]models.SearchHit, error) {
	m.queries = append(m.queries, raw)
	return m.hits, m.err
}

func (m *mockSearchService) Exists(_ context.Context, raw string) (bool, error) {
	return len(m.hits) > 0, m.err
}

func (m *mockSearchService) Prewarm(context.Context, int) (int, error) { return 0, nil }

func (m *mockSearchService) RunPrewarmScheduler(context.Context, time.Duration, int) {}

type mockCatalogService struct {
	drugs   map[uuid.UUID]*models.Drug
	related map[uuid.UUID][]*models.Drug
	err     error
}

var _ services.CatalogService = (*mockCatalogService)(nil)

func (m *mockCatalogService) GetDrug(_ context.Context, id uuid.UUID) (*models.Drug, error) {
	if m.err != nil {
		return nil, m.err
	}
	d, ok := m.drugs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return d, nil
}

func (m *mockCatalogService) DeleteDrug(context.Context, uuid.UUID) error      { return m.err }
func (m *mockCatalogService) DeleteCondition(context.Context, uuid.UUID) error { return m.err }
func (m *mockCatalogService) DeleteAlias(context.Context, uuid.UUID) error     { return m.err }

func (m *mockCatalogService) RelatedDrugs(_ context.Context, id uuid.UUID) ([]*models.Drug, error) {
	return m.related[id], m.err
}

type mockSnapshotService struct {
	snapshots []*models.Snapshot
	active    *models.Snapshot
	err       error
}

var _ services.SnapshotService = (*mockSnapshotService)(nil)

func (m *mockSnapshotService) Create(context.Context, models.SnapshotKind, int64) (*models.Snapshot, error) {
	return nil, m.err
}

func (m *mockSnapshotService) Get(context.Context, uuid.UUID) (*models.Snapshot, error) {
	return nil, m.err
}

func (m *mockSnapshotService) List(_ context.Context, kind models.SnapshotKind) ([]*models.Snapshot, error) {
	var out []*models.Snapshot
	for _, s := range m.snapshots {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out, m.err
}

func (m *mockSnapshotService) GetActive(_ context.Context, kind models.SnapshotKind) (*models.Snapshot, error) {
	if m.active != nil && m.active.Kind == kind {
		return m.active, m.err
	}
	return nil, m.err
}

func (m *mockSnapshotService) Activate(context.Context, uuid.UUID) (services.Waiter, error) {
	return nil, m.err
}

func (m *mockSnapshotService) ResumePending(context.Context) (services.Waiter, error) {
	return nil, m.err
}

func (m *mockSnapshotService) IncrementInserted(context.Context, uuid.UUID, int64) error { return m.err }
func (m *mockSnapshotService) IncrementDerived(context.Context, uuid.UUID, int64) error  { return m.err }
func (m *mockSnapshotService) SetRecordCount(context.Context, uuid.UUID, int64) error    { return m.err }
func (m *mockSnapshotService) MarkReconciled(context.Context, uuid.UUID) error           { return m.err }

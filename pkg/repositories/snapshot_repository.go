package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/neverdrugs/catalog-engine/pkg/apperrors"
	"github.com/neverdrugs/catalog-engine/pkg/models"
)

// SnapshotRepository provides data access for import snapshots.
type SnapshotRepository interface {
	Create(ctx context.Context, s *models.Snapshot) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Snapshot, error)
	// GetActive returns nil, nil when no snapshot of kind is active.
	GetActive(ctx context.Context, kind models.SnapshotKind) (*models.Snapshot, error)
	List(ctx context.Context, kind models.SnapshotKind) ([]*models.Snapshot, error)
	// ListPendingReconciliation returns active snapshots whose reconciliation never completed.
	ListPendingReconciliation(ctx context.Context) ([]*models.Snapshot, error)

	// LockKind takes row locks on every snapshot of kind for the rest of the transaction.
	LockKind(ctx context.Context, kind models.SnapshotKind) error
	// Activate deactivates every other snapshot of the target's kind, activates
	// the target and clears its reconciled_at marker. Must run in a transaction.
	Activate(ctx context.Context, id uuid.UUID, kind models.SnapshotKind) error
	MarkReconciled(ctx context.Context, id uuid.UUID) error

	IncrementInserted(ctx context.Context, id uuid.UUID, n int64) (*models.Snapshot, error)
	IncrementDerived(ctx context.Context, id uuid.UUID, n int64) (*models.Snapshot, error)
	SetRecordCount(ctx context.Context, id uuid.UUID, n int64) (*models.Snapshot, error)
}

type snapshotRepository struct{}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository() SnapshotRepository {
	return &snapshotRepository{}
}

var _ SnapshotRepository = (*snapshotRepository)(nil)

const snapshotColumns = `id, kind, record_count, inserted_count, derived_count, active, reconciled_at, created_at`

func (r *snapshotRepository) Create(ctx context.Context, s *models.Snapshot) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = time.Now()

	_, err = q.Exec(ctx, `
		INSERT INTO snapshots (id, kind, record_count, inserted_count, derived_count, active, created_at)
		VALUES ($1, $2, $3, 0, 0, FALSE, $4)`,
		s.ID, s.Kind, s.RecordCount, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}

	s.InsertedCount, s.DerivedCount, s.Active = 0, 0, false
	return nil
}

func (r *snapshotRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Snapshot, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	s, err := scanSnapshot(q.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return s, nil
}

func (r *snapshotRepository) GetActive(ctx context.Context, kind models.SnapshotKind) (*models.Snapshot, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	s, err := scanSnapshot(q.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE kind = $1 AND active`, kind))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active snapshot: %w", err)
	}
	return s, nil
}

func (r *snapshotRepository) List(ctx context.Context, kind models.SnapshotKind) ([]*models.Snapshot, error) {
	return r.list(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE kind = $1 ORDER BY created_at DESC`, kind)
}

func (r *snapshotRepository) ListPendingReconciliation(ctx context.Context) ([]*models.Snapshot, error) {
	return r.list(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE active AND reconciled_at IS NULL ORDER BY created_at`)
}

func (r *snapshotRepository) list(ctx context.Context, query string, args ...any) ([]*models.Snapshot, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*models.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

func (r *snapshotRepository) LockKind(ctx context.Context, kind models.SnapshotKind) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	rows, err := q.Query(ctx, `SELECT id FROM snapshots WHERE kind = $1 ORDER BY id FOR UPDATE`, kind)
	if err != nil {
		return fmt.Errorf("failed to lock snapshots: %w", err)
	}
	rows.Close()
	return rows.Err()
}

func (r *snapshotRepository) Activate(ctx context.Context, id uuid.UUID, kind models.SnapshotKind) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	// Two statements: the partial unique index is checked row by row.
	if _, err := q.Exec(ctx,
		`UPDATE snapshots SET active = FALSE WHERE kind = $1 AND active AND id <> $2`, kind, id); err != nil {
		return fmt.Errorf("failed to deactivate snapshots: %w", err)
	}

	tag, err := q.Exec(ctx,
		`UPDATE snapshots SET active = TRUE, reconciled_at = NULL WHERE id = $1 AND kind = $2`, id, kind)
	if err != nil {
		return fmt.Errorf("failed to activate snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *snapshotRepository) MarkReconciled(ctx context.Context, id uuid.UUID) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `UPDATE snapshots SET reconciled_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark snapshot reconciled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *snapshotRepository) IncrementInserted(ctx context.Context, id uuid.UUID, n int64) (*models.Snapshot, error) {
	return r.update(ctx, `UPDATE snapshots SET inserted_count = inserted_count + $2 WHERE id = $1 RETURNING `+snapshotColumns, id, n)
}

func (r *snapshotRepository) IncrementDerived(ctx context.Context, id uuid.UUID, n int64) (*models.Snapshot, error) {
	return r.update(ctx, `UPDATE snapshots SET derived_count = derived_count + $2 WHERE id = $1 RETURNING `+snapshotColumns, id, n)
}

func (r *snapshotRepository) SetRecordCount(ctx context.Context, id uuid.UUID, n int64) (*models.Snapshot, error) {
	return r.update(ctx, `UPDATE snapshots SET record_count = $2 WHERE id = $1 RETURNING `+snapshotColumns, id, n)
}

func (r *snapshotRepository) update(ctx context.Context, query string, id uuid.UUID, n int64) (*models.Snapshot, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	s, err := scanSnapshot(q.QueryRow(ctx, query, id, n))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update snapshot counters: %w", err)
	}
	return s, nil
}

func scanSnapshot(row pgx.Row) (*models.Snapshot, error) {
	var s models.Snapshot
	err := row.Scan(
		&s.ID, &s.Kind, &s.RecordCount, &s.InsertedCount, &s.DerivedCount,
		&s.Active, &s.ReconciledAt, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

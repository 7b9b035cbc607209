package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/neverdrugs/catalog-engine/pkg/models"
)

// ClinicalRepository provides data access for snapshot-scoped clinical records.
type ClinicalRepository interface {
	// Upsert creates or overwrites the record keyed by (snapshot_id, code).
	Upsert(ctx context.Context, rec *models.ClinicalRecord) error
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.ClinicalRecord, error)
	ListIDs(ctx context.Context, snapshotID uuid.UUID) ([]uuid.UUID, error)
}

type clinicalRepository struct{}

// NewClinicalRepository creates a new ClinicalRepository.
func NewClinicalRepository() ClinicalRepository {
	return &clinicalRepository{}
}

var _ ClinicalRepository = (*clinicalRepository)(nil)

func (r *clinicalRepository) Upsert(ctx context.Context, rec *models.ClinicalRecord) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	query := `
		INSERT INTO clinical_records (id, snapshot_id, code, name, description, status, date_updated, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (snapshot_id, code) DO UPDATE
		SET name = EXCLUDED.name,
		    description = EXCLUDED.description,
		    status = EXCLUDED.status,
		    date_updated = EXCLUDED.date_updated,
		    updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at`

	err = q.QueryRow(ctx, query,
		uuid.New(), rec.SnapshotID, rec.Code, rec.Name, rec.Description, rec.Status, rec.DateUpdated, now,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert clinical record %s: %w", rec.Code, err)
	}
	return nil
}

func (r *clinicalRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.ClinicalRecord, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT id, snapshot_id, code, name, description, status, date_updated, created_at, updated_at
		FROM clinical_records
		WHERE id = ANY($1)
		ORDER BY code`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get clinical records: %w", err)
	}
	defer rows.Close()

	var records []*models.ClinicalRecord
	for rows.Next() {
		var rec models.ClinicalRecord
		if err := rows.Scan(
			&rec.ID, &rec.SnapshotID, &rec.Code, &rec.Name, &rec.Description,
			&rec.Status, &rec.DateUpdated, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan clinical record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (r *clinicalRepository) ListIDs(ctx context.Context, snapshotID uuid.UUID) ([]uuid.UUID, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT id FROM clinical_records WHERE snapshot_id = $1 ORDER BY code`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clinical records: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

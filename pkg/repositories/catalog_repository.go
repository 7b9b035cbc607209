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

// CatalogRepository provides data access for derived catalog entities
// (drugs, conditions, drug aliases) and their links to source rows.
type CatalogRepository interface {
	// LockName serializes reconciliation of one case-insensitive name within
	// a kind until the surrounding transaction ends.
	LockName(ctx context.Context, kind models.EntityKind, name string) error

	FindDrugsByName(ctx context.Context, name string) ([]*models.Drug, error)
	CreateDrug(ctx context.Context, drug *models.Drug) error
	// GetDrug loads a drug with its category names.
	GetDrug(ctx context.Context, id uuid.UUID) (*models.Drug, error)
	DeleteDrug(ctx context.Context, id uuid.UUID) error
	// LinkDrugLeaf reports whether a new link was created.
	LinkDrugLeaf(ctx context.Context, drugID, nodeID uuid.UUID) (bool, error)
	// RelatedDrugs returns drugs whose leaves share a level-4 group with the
	// given drug's leaves in an active snapshot.
	RelatedDrugs(ctx context.Context, drugID uuid.UUID) ([]*models.Drug, error)

	FindConditionsByName(ctx context.Context, name string) ([]*models.Condition, error)
	CreateCondition(ctx context.Context, cond *models.Condition) error
	GetCondition(ctx context.Context, id uuid.UUID) (*models.Condition, error)
	DeleteCondition(ctx context.Context, id uuid.UUID) error
	LinkConditionRecord(ctx context.Context, conditionID, recordID uuid.UUID) (bool, error)

	ListAliases(ctx context.Context, drugID uuid.UUID) ([]*models.DrugAlias, error)
	// CreateAlias reports false when the drug already has an alias of that name.
	CreateAlias(ctx context.Context, alias *models.DrugAlias) (bool, error)
	GetAlias(ctx context.Context, id uuid.UUID) (*models.DrugAlias, error)
	DeleteAlias(ctx context.Context, id uuid.UUID) error
}

type catalogRepository struct{}

// NewCatalogRepository creates a new CatalogRepository.
func NewCatalogRepository() CatalogRepository {
	return &catalogRepository{}
}

var _ CatalogRepository = (*catalogRepository)(nil)

func (r *catalogRepository) LockName(ctx context.Context, kind models.EntityKind, name string) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || ':' || LOWER($2)))`, string(kind), name); err != nil {
		return fmt.Errorf("failed to lock name %q: %w", name, err)
	}
	return nil
}

// ============================================================================
// Drugs
// ============================================================================

func (r *catalogRepository) FindDrugsByName(ctx context.Context, name string) ([]*models.Drug, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT id, name, searchable, created_at, updated_at
		FROM drugs
		WHERE LOWER(name) = LOWER($1)
		ORDER BY created_at, id`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to find drugs: %w", err)
	}
	return scanDrugRows(rows)
}

func (r *catalogRepository) CreateDrug(ctx context.Context, drug *models.Drug) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	if drug.ID == uuid.Nil {
		drug.ID = uuid.New()
	}
	now := time.Now()

	_, err = q.Exec(ctx, `
		INSERT INTO drugs (id, name, searchable, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)`,
		drug.ID, drug.Name, drug.Searchable, now)
	if err != nil {
		return fmt.Errorf("failed to create drug: %w", err)
	}
	drug.CreatedAt, drug.UpdatedAt = now, now
	return nil
}

func (r *catalogRepository) GetDrug(ctx context.Context, id uuid.UUID) (*models.Drug, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	var d models.Drug
	err = q.QueryRow(ctx, `SELECT id, name, searchable, created_at, updated_at FROM drugs WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.Searchable, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get drug: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT DISTINCT p.name
		FROM drug_leaves dl
		JOIN hierarchy_nodes n ON n.id = dl.node_id
		JOIN hierarchy_nodes p ON p.id = n.parent_id
		WHERE dl.drug_id = $1 AND p.name IS NOT NULL
		ORDER BY p.name`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load drug categories: %w", err)
	}
	d.Categories, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan drug categories: %w", err)
	}
	return &d, nil
}

func (r *catalogRepository) DeleteDrug(ctx context.Context, id uuid.UUID) error {
	return r.deleteByID(ctx, `DELETE FROM drugs WHERE id = $1`, id, "drug")
}

func (r *catalogRepository) LinkDrugLeaf(ctx context.Context, drugID, nodeID uuid.UUID) (bool, error) {
	return r.link(ctx, `
		INSERT INTO drug_leaves (drug_id, node_id) VALUES ($1, $2)
		ON CONFLICT (drug_id, node_id) DO NOTHING`, drugID, nodeID)
}

func (r *catalogRepository) RelatedDrugs(ctx context.Context, drugID uuid.UUID) ([]*models.Drug, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT DISTINCT d.id, d.name, d.searchable, d.created_at, d.updated_at
		FROM drug_leaves dl
		JOIN hierarchy_nodes n ON n.id = dl.node_id
		JOIN snapshots s ON s.id = n.snapshot_id AND s.active
		JOIN hierarchy_nodes sib ON sib.parent_id = n.parent_id AND sib.id <> n.id
		JOIN drug_leaves sdl ON sdl.node_id = sib.id
		JOIN drugs d ON d.id = sdl.drug_id
		WHERE dl.drug_id = $1 AND d.id <> $1
		ORDER BY d.name, d.id`, drugID)
	if err != nil {
		return nil, fmt.Errorf("failed to get related drugs: %w", err)
	}
	return scanDrugRows(rows)
}

// ============================================================================
// Conditions
// ============================================================================

func (r *catalogRepository) FindConditionsByName(ctx context.Context, name string) ([]*models.Condition, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT id, name, description, searchable, created_at, updated_at
		FROM conditions
		WHERE LOWER(name) = LOWER($1)
		ORDER BY created_at, id`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to find conditions: %w", err)
	}
	defer rows.Close()

	var conditions []*models.Condition
	for rows.Next() {
		c, err := scanCondition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan condition: %w", err)
		}
		conditions = append(conditions, c)
	}
	return conditions, rows.Err()
}

func (r *catalogRepository) CreateCondition(ctx context.Context, cond *models.Condition) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	if cond.ID == uuid.Nil {
		cond.ID = uuid.New()
	}
	now := time.Now()

	_, err = q.Exec(ctx, `
		INSERT INTO conditions (id, name, description, searchable, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		cond.ID, cond.Name, cond.Description, cond.Searchable, now)
	if err != nil {
		return fmt.Errorf("failed to create condition: %w", err)
	}
	cond.CreatedAt, cond.UpdatedAt = now, now
	return nil
}

func (r *catalogRepository) GetCondition(ctx context.Context, id uuid.UUID) (*models.Condition, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	c, err := scanCondition(q.QueryRow(ctx, `
		SELECT id, name, description, searchable, created_at, updated_at
		FROM conditions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get condition: %w", err)
	}
	return c, nil
}

func (r *catalogRepository) DeleteCondition(ctx context.Context, id uuid.UUID) error {
	return r.deleteByID(ctx, `DELETE FROM conditions WHERE id = $1`, id, "condition")
}

func (r *catalogRepository) LinkConditionRecord(ctx context.Context, conditionID, recordID uuid.UUID) (bool, error) {
	return r.link(ctx, `
		INSERT INTO condition_records (condition_id, record_id) VALUES ($1, $2)
		ON CONFLICT (condition_id, record_id) DO NOTHING`, conditionID, recordID)
}

// ============================================================================
// Aliases
// ============================================================================

const aliasSelect = `
		SELECT a.id, a.drug_id, a.name, a.source, a.searchable, a.created_at, d.name
		FROM drug_aliases a
		JOIN drugs d ON d.id = a.drug_id`

func (r *catalogRepository) ListAliases(ctx context.Context, drugID uuid.UUID) ([]*models.DrugAlias, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, aliasSelect+` WHERE a.drug_id = $1 ORDER BY a.name`, drugID)
	if err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	defer rows.Close()

	var aliases []*models.DrugAlias
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

func (r *catalogRepository) CreateAlias(ctx context.Context, alias *models.DrugAlias) (bool, error) {
	q, err := querier(ctx)
	if err != nil {
		return false, err
	}

	if alias.ID == uuid.Nil {
		alias.ID = uuid.New()
	}
	now := time.Now()

	tag, err := q.Exec(ctx, `
		INSERT INTO drug_aliases (id, drug_id, name, source, searchable, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (drug_id, LOWER(name)) DO NOTHING`,
		alias.ID, alias.DrugID, alias.Name, alias.Source, alias.Searchable, now)
	if err != nil {
		return false, fmt.Errorf("failed to create alias: %w", err)
	}
	alias.CreatedAt = now
	return tag.RowsAffected() == 1, nil
}

func (r *catalogRepository) GetAlias(ctx context.Context, id uuid.UUID) (*models.DrugAlias, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	a, err := scanAlias(q.QueryRow(ctx, aliasSelect+` WHERE a.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alias: %w", err)
	}
	return a, nil
}

func (r *catalogRepository) DeleteAlias(ctx context.Context, id uuid.UUID) error {
	return r.deleteByID(ctx, `DELETE FROM drug_aliases WHERE id = $1`, id, "alias")
}

// ============================================================================
// Helpers
// ============================================================================

func (r *catalogRepository) link(ctx context.Context, query string, a, b uuid.UUID) (bool, error) {
	q, err := querier(ctx)
	if err != nil {
		return false, err
	}

	tag, err := q.Exec(ctx, query, a, b)
	if err != nil {
		return false, fmt.Errorf("failed to link catalog entity: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *catalogRepository) deleteByID(ctx context.Context, query string, id uuid.UUID, what string) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanDrugRows(rows pgx.Rows) ([]*models.Drug, error) {
	defer rows.Close()

	var drugs []*models.Drug
	for rows.Next() {
		var d models.Drug
		if err := rows.Scan(&d.ID, &d.Name, &d.Searchable, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan drug: %w", err)
		}
		drugs = append(drugs, &d)
	}
	return drugs, rows.Err()
}

func scanCondition(row pgx.Row) (*models.Condition, error) {
	var c models.Condition
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Searchable, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanAlias(row pgx.Row) (*models.DrugAlias, error) {
	var a models.DrugAlias
	if err := row.Scan(&a.ID, &a.DrugID, &a.Name, &a.Source, &a.Searchable, &a.CreatedAt, &a.DrugName); err != nil {
		return nil, err
	}
	return &a, nil
}

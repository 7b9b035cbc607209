package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/neverdrugs/catalog-engine/pkg/models"
)

// HierarchyRepository provides data access for snapshot-scoped taxonomy nodes.
type HierarchyRepository interface {
	// Upsert creates or overwrites the node keyed by (snapshot_id, code).
	// The conflicting row is locked until the surrounding transaction ends.
	// An empty Name never erases a stored name.
	Upsert(ctx context.Context, node *models.HierarchyNode) error
	// EnsureStub returns the id of the node (snapshot_id, code), creating a
	// stub with the given name hint and parent if it does not exist yet.
	EnsureStub(ctx context.Context, snapshotID uuid.UUID, code string, level int, nameHint string, parentID *uuid.UUID) (uuid.UUID, error)
	GetByCode(ctx context.Context, snapshotID uuid.UUID, code string) (*models.HierarchyNode, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.HierarchyNode, error)
	// ListLeafIDs returns the level-5 node ids of a snapshot ordered by code.
	ListLeafIDs(ctx context.Context, snapshotID uuid.UUID) ([]uuid.UUID, error)
	CountBySnapshot(ctx context.Context, snapshotID uuid.UUID) (int64, error)
}

type hierarchyRepository struct{}

// NewHierarchyRepository creates a new HierarchyRepository.
func NewHierarchyRepository() HierarchyRepository {
	return &hierarchyRepository{}
}

var _ HierarchyRepository = (*hierarchyRepository)(nil)

const hierarchyColumns = `id, snapshot_id, code, level, name, parent_id, searchable, created_at, updated_at`

func (r *hierarchyRepository) Upsert(ctx context.Context, node *models.HierarchyNode) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	query := `
		INSERT INTO hierarchy_nodes (id, snapshot_id, code, level, name, parent_id, searchable, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (snapshot_id, code) DO UPDATE
		SET name = COALESCE(EXCLUDED.name, hierarchy_nodes.name),
		    level = EXCLUDED.level,
		    parent_id = EXCLUDED.parent_id,
		    searchable = EXCLUDED.searchable,
		    updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at`

	err = q.QueryRow(ctx, query,
		uuid.New(),
		node.SnapshotID,
		node.Code,
		node.Level,
		nullString(node.Name),
		node.ParentID,
		node.Searchable,
		now,
	).Scan(&node.ID, &node.CreatedAt, &node.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert hierarchy node %s: %w", node.Code, err)
	}
	return nil
}

func (r *hierarchyRepository) EnsureStub(ctx context.Context, snapshotID uuid.UUID, code string, level int, nameHint string, parentID *uuid.UUID) (uuid.UUID, error) {
	q, err := querier(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	// DO UPDATE rather than DO NOTHING so RETURNING yields the existing row
	// and the row stays locked for the caller's transaction.
	query := `
		INSERT INTO hierarchy_nodes (id, snapshot_id, code, level, name, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (snapshot_id, code) DO UPDATE
		SET name = COALESCE(hierarchy_nodes.name, EXCLUDED.name),
		    parent_id = COALESCE(hierarchy_nodes.parent_id, EXCLUDED.parent_id)
		RETURNING id`

	var id uuid.UUID
	err = q.QueryRow(ctx, query, uuid.New(), snapshotID, code, level, nullString(nameHint), parentID).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to ensure stub %s: %w", code, err)
	}
	return id, nil
}

func (r *hierarchyRepository) GetByCode(ctx context.Context, snapshotID uuid.UUID, code string) (*models.HierarchyNode, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	node, err := scanHierarchyNode(q.QueryRow(ctx,
		`SELECT `+hierarchyColumns+` FROM hierarchy_nodes WHERE snapshot_id = $1 AND code = $2`, snapshotID, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hierarchy node: %w", err)
	}
	return node, nil
}

func (r *hierarchyRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.HierarchyNode, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx,
		`SELECT `+hierarchyColumns+` FROM hierarchy_nodes WHERE id = ANY($1) ORDER BY code`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get hierarchy nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.HierarchyNode
	for rows.Next() {
		node, err := scanHierarchyNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hierarchy node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func (r *hierarchyRepository) ListLeafIDs(ctx context.Context, snapshotID uuid.UUID) ([]uuid.UUID, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx,
		`SELECT id FROM hierarchy_nodes WHERE snapshot_id = $1 AND level = $2 ORDER BY code`,
		snapshotID, models.MaxLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to list leaves: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (r *hierarchyRepository) CountBySnapshot(ctx context.Context, snapshotID uuid.UUID) (int64, error) {
	q, err := querier(ctx)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM hierarchy_nodes WHERE snapshot_id = $1`, snapshotID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count hierarchy nodes: %w", err)
	}
	return n, nil
}

func scanHierarchyNode(row pgx.Row) (*models.HierarchyNode, error) {
	var node models.HierarchyNode
	var name *string
	err := row.Scan(
		&node.ID, &node.SnapshotID, &node.Code, &node.Level, &name,
		&node.ParentID, &node.Searchable, &node.CreatedAt, &node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	node.Name = derefString(name)
	return &node, nil
}

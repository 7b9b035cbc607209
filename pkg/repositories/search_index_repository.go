package repositories

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/neverdrugs/catalog-engine/pkg/models"
)

// SearchIndexRepository provides data access for the polymorphic search index.
type SearchIndexRepository interface {
	// Upsert writes the row keyed by (entity_kind, entity_id) and marks its
	// rank vector stale. The vector itself is left untouched.
	Upsert(ctx context.Context, entry *models.SearchIndexEntry) error
	// Delete removes the row for an entity. Deleting a missing row is not an error.
	Delete(ctx context.Context, kind models.EntityKind, entityID uuid.UUID) error
	GetByEntity(ctx context.Context, kind models.EntityKind, entityID uuid.UUID) (*models.SearchIndexEntry, error)
	// GetByIDsOrdered returns rows in the order of ids, skipping ids that no longer exist.
	GetByIDsOrdered(ctx context.Context, ids []int64) ([]*models.SearchIndexEntry, error)

	// RecomputeVectors rebuilds the weighted rank vector of each row and marks it computed.
	RecomputeVectors(ctx context.Context, ids []int64) (int64, error)
	ListUnprocessedIDs(ctx context.Context) ([]int64, error)

	// Rank returns searchable row ids clearing either the lexical or the
	// similarity threshold, best first.
	Rank(ctx context.Context, query string, lexicalThreshold, similarityThreshold float64, limit int) ([]int64, error)
}

type searchIndexRepository struct{}

// NewSearchIndexRepository creates a new SearchIndexRepository.
func NewSearchIndexRepository() SearchIndexRepository {
	return &searchIndexRepository{}
}

var _ SearchIndexRepository = (*searchIndexRepository)(nil)

const searchIndexColumns = `id, entity_kind, entity_id, name, content, vector_computed, searchable, updated_at`

func (r *searchIndexRepository) Upsert(ctx context.Context, entry *models.SearchIndexEntry) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO search_index (entity_kind, entity_id, name, content, searchable, vector_computed, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, NOW())
		ON CONFLICT (entity_kind, entity_id) DO UPDATE
		SET name = EXCLUDED.name,
		    content = EXCLUDED.content,
		    searchable = EXCLUDED.searchable,
		    vector_computed = FALSE,
		    updated_at = EXCLUDED.updated_at
		RETURNING id, updated_at`

	err = q.QueryRow(ctx, query,
		entry.EntityKind, entry.EntityID, entry.Name, entry.Content, entry.Searchable,
	).Scan(&entry.ID, &entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert search index entry: %w", err)
	}
	entry.VectorComputed = false
	return nil
}

func (r *searchIndexRepository) Delete(ctx context.Context, kind models.EntityKind, entityID uuid.UUID) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	if _, err := q.Exec(ctx, `DELETE FROM search_index WHERE entity_kind = $1 AND entity_id = $2`, kind, entityID); err != nil {
		return fmt.Errorf("failed to delete search index entry: %w", err)
	}
	return nil
}

func (r *searchIndexRepository) GetByEntity(ctx context.Context, kind models.EntityKind, entityID uuid.UUID) (*models.SearchIndexEntry, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	entry, err := scanSearchIndexEntry(q.QueryRow(ctx,
		`SELECT `+searchIndexColumns+` FROM search_index WHERE entity_kind = $1 AND entity_id = $2`, kind, entityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get search index entry: %w", err)
	}
	return entry, nil
}

func (r *searchIndexRepository) GetByIDsOrdered(ctx context.Context, ids []int64) ([]*models.SearchIndexEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT si.id, si.entity_kind, si.entity_id, si.name, si.content, si.vector_computed, si.searchable, si.updated_at
		FROM unnest($1::bigint[]) WITH ORDINALITY AS ids(id, ord)
		JOIN search_index si ON si.id = ids.id
		ORDER BY ids.ord`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate search index entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.SearchIndexEntry, 0, len(ids))
	for rows.Next() {
		entry, err := scanSearchIndexEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search index entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *searchIndexRepository) RecomputeVectors(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	q, err := querier(ctx)
	if err != nil {
		return 0, err
	}

	tag, err := q.Exec(ctx, `
		UPDATE search_index
		SET rank_vector = setweight(to_tsvector('english', name), 'A') ||
		                  setweight(to_tsvector('english', content), 'B'),
		    vector_computed = TRUE
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to recompute rank vectors: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *searchIndexRepository) ListUnprocessedIDs(ctx context.Context) ([]int64, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT id FROM search_index WHERE NOT vector_computed ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed entries: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (r *searchIndexRepository) Rank(ctx context.Context, query string, lexicalThreshold, similarityThreshold float64, limit int) ([]int64, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	// A row clearing either threshold shares at least one lexeme with the
	// query or passes the trigram % operator at the similarity threshold,
	// which lets the GIN indexes pick candidates. With a zero threshold
	// every row qualifies and there is nothing to prefilter.
	candidates := `TRUE`
	if lexicalThreshold > 0 && similarityThreshold > 0 {
		candidates = `(si.rank_vector @@ any_term OR si.name % $1)`
	}

	var ids []int64
	err = pgx.BeginFunc(ctx, q, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT set_config('pg_trgm.similarity_threshold', $1, true)`,
			strconv.FormatFloat(similarityThreshold, 'f', -1, 64)); err != nil {
			return fmt.Errorf("failed to set similarity threshold: %w", err)
		}

		// Rows whose vector is still pending rank 0 lexically but can qualify on similarity.
		rows, err := tx.Query(ctx, `
			WITH scored AS (
				SELECT si.id,
				       COALESCE(ts_rank(si.rank_vector, all_terms), 0) AS rank,
				       similarity(si.name, $1) AS sim
				FROM search_index si,
				     plainto_tsquery('english', $1) AS all_terms,
				     CAST(replace(plainto_tsquery('english', $1)::text, '&', '|') AS tsquery) AS any_term
				WHERE si.searchable
				  AND `+candidates+`
			)
			SELECT id
			FROM scored
			WHERE rank >= $2 OR sim >= $3
			ORDER BY rank DESC, sim DESC, id
			LIMIT $4`,
			query, lexicalThreshold, similarityThreshold, limit)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[int64])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rank search index: %w", err)
	}
	return ids, nil
}

func scanSearchIndexEntry(row pgx.Row) (*models.SearchIndexEntry, error) {
	var e models.SearchIndexEntry
	err := row.Scan(&e.ID, &e.EntityKind, &e.EntityID, &e.Name, &e.Content, &e.VectorComputed, &e.Searchable, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

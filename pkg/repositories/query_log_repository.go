package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/neverdrugs/catalog-engine/pkg/models"
)

// QueryLogRepository counts cache-miss searches per normalized query.
type QueryLogRepository interface {
	// Increment adds one to the query's hit count, creating the row if needed.
	Increment(ctx context.Context, normalizedQuery string) error
	// Get returns nil, nil for queries never logged.
	Get(ctx context.Context, normalizedQuery string) (*models.QueryLog, error)
	// Top returns the n most frequent queries.
	Top(ctx context.Context, n int) ([]*models.QueryLog, error)
}

type queryLogRepository struct{}

// NewQueryLogRepository creates a new QueryLogRepository.
func NewQueryLogRepository() QueryLogRepository {
	return &queryLogRepository{}
}

var _ QueryLogRepository = (*queryLogRepository)(nil)

func (r *queryLogRepository) Increment(ctx context.Context, normalizedQuery string) error {
	q, err := querier(ctx)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `
		INSERT INTO query_log (normalized_query, hit_count) VALUES ($1, 1)
		ON CONFLICT (normalized_query) DO UPDATE
		SET hit_count = query_log.hit_count + 1, updated_at = NOW()`, normalizedQuery)
	if err != nil {
		return fmt.Errorf("failed to increment query log: %w", err)
	}
	return nil
}

func (r *queryLogRepository) Get(ctx context.Context, normalizedQuery string) (*models.QueryLog, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	var l models.QueryLog
	err = q.QueryRow(ctx, `
		SELECT normalized_query, hit_count, created_at, updated_at
		FROM query_log WHERE normalized_query = $1`, normalizedQuery).
		Scan(&l.NormalizedQuery, &l.HitCount, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get query log: %w", err)
	}
	return &l, nil
}

func (r *queryLogRepository) Top(ctx context.Context, n int) ([]*models.QueryLog, error) {
	q, err := querier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT normalized_query, hit_count, created_at, updated_at
		FROM query_log
		ORDER BY hit_count DESC, normalized_query
		LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list top queries: %w", err)
	}
	defer rows.Close()

	var logs []*models.QueryLog
	for rows.Next() {
		var l models.QueryLog
		if err := rows.Scan(&l.NormalizedQuery, &l.HitCount, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan query log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

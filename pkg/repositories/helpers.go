package repositories

import (
	"context"
	"fmt"

	"github.com/neverdrugs/catalog-engine/pkg/database"
)

// querier returns the database scope stored in ctx.
func querier(ctx context.Context) (database.Querier, error) {
	q, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}
	return q, nil
}

// nullString converts empty strings to nil for nullable text columns.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// derefString returns the empty string for NULL text columns.
func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SearchIndexEntry is the denormalized, rankable row for one indexable entity.
// The rank vector itself lives only in storage; VectorComputed tracks whether
// it reflects the current Name and Content.
type SearchIndexEntry struct {
	ID             int64      `json:"id"`
	EntityKind     EntityKind `json:"entity_kind"`
	EntityID       uuid.UUID  `json:"entity_id"`
	Name           string     `json:"name"`
	Content        string     `json:"content"`
	VectorComputed bool       `json:"vector_computed"`
	Searchable     bool       `json:"searchable"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewSearchIndexEntry builds the pending index row for an indexable entity.
func NewSearchIndexEntry(e Indexable) *SearchIndexEntry {
	kind, id := e.IndexKey()
	return &SearchIndexEntry{
		EntityKind: kind,
		EntityID:   id,
		Name:       e.IndexName(),
		Content:    e.IndexContent(),
		Searchable: e.IndexSearchable(),
	}
}

// Hit converts the entry to its public search result form.
func (e *SearchIndexEntry) Hit() SearchHit {
	return SearchHit{Kind: e.EntityKind, ID: e.EntityID, Name: e.Name}
}

// SearchHit is one search result as returned to clients.
type SearchHit struct {
	Kind EntityKind `json:"kind"`
	ID   uuid.UUID  `json:"id"`
	Name string     `json:"name"`
}

// QueryLog counts cache-miss searches per normalized query.
type QueryLog struct {
	NormalizedQuery string    `json:"normalized_query"`
	HitCount        int64     `json:"hit_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NormalizeQuery lowercases and trims a raw search query.
func NormalizeQuery(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityKind identifies the type behind a polymorphic search index row.
type EntityKind string

const (
	EntityKindDrug      EntityKind = "drug"
	EntityKindCondition EntityKind = "condition"
	EntityKindDrugAlias EntityKind = "drug_alias"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	switch k {
	case EntityKindDrug, EntityKindCondition, EntityKindDrugAlias:
		return true
	}
	return false
}

// Indexable is implemented by catalog types that own a search index row.
type Indexable interface {
	IndexKey() (EntityKind, uuid.UUID)
	IndexName() string
	// IndexContent is the secondary text ranked below the name.
	IndexContent() string
	IndexSearchable() bool
}

var (
	_ Indexable = (*Drug)(nil)
	_ Indexable = (*Condition)(nil)
	_ Indexable = (*DrugAlias)(nil)
)

// Drug is a catalog entity derived from level-5 taxonomy leaves.
// Names match case-insensitively but are not unique.
type Drug struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Searchable bool      `json:"searchable"`
	// Categories holds the names of the level-4 groups of linked leaves.
	// Populated by the catalog repository when loading for indexing.
	Categories []string  `json:"categories,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (d *Drug) IndexKey() (EntityKind, uuid.UUID) { return EntityKindDrug, d.ID }
func (d *Drug) IndexName() string                 { return d.Name }
func (d *Drug) IndexContent() string              { return strings.Join(d.Categories, ", ") }
func (d *Drug) IndexSearchable() bool             { return d.Searchable }

// Condition is a catalog entity derived from clinical records.
type Condition struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Searchable  bool      `json:"searchable"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (c *Condition) IndexKey() (EntityKind, uuid.UUID) { return EntityKindCondition, c.ID }
func (c *Condition) IndexName() string                 { return c.Name }
func (c *Condition) IndexContent() string              { return c.Description }
func (c *Condition) IndexSearchable() bool             { return c.Searchable }

// DrugAlias is a brand name attached to a Drug.
type DrugAlias struct {
	ID         uuid.UUID `json:"id"`
	DrugID     uuid.UUID `json:"drug_id"`
	Name       string    `json:"name"`
	Source     string    `json:"source,omitempty"`
	Searchable bool      `json:"searchable"`
	// DrugName is the generic name, indexed as secondary text.
	DrugName  string    `json:"drug_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *DrugAlias) IndexKey() (EntityKind, uuid.UUID) { return EntityKindDrugAlias, a.ID }
func (a *DrugAlias) IndexName() string                 { return a.Name }
func (a *DrugAlias) IndexContent() string              { return a.DrugName }
func (a *DrugAlias) IndexSearchable() bool             { return a.Searchable }

package models

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/neverdrugs/catalog-engine/pkg/apperrors"
)

// MaxLevel is the depth of the taxonomy. Level-5 nodes are leaves.
const MaxLevel = 5

// MaxNameLength bounds names of every catalog and hierarchy row.
const MaxNameLength = 255

// levelCodeLengths maps a level to the length of its codes (index 0 unused).
var levelCodeLengths = [MaxLevel + 1]int{0, 1, 3, 4, 5, 7}

// LevelForCode derives the taxonomy level from the length of a code.
// Returns false when the length maps to no level.
func LevelForCode(code string) (int, bool) {
	for level := 1; level <= MaxLevel; level++ {
		if len(code) == levelCodeLengths[level] {
			return level, true
		}
	}
	return 0, false
}

// CodeLengthForLevel returns the code length used at level.
func CodeLengthForLevel(level int) (int, bool) {
	if level < 1 || level > MaxLevel {
		return 0, false
	}
	return levelCodeLengths[level], true
}

// AncestorCode returns the prefix of code identifying its ancestor at level.
func AncestorCode(code string, level int) (string, bool) {
	n, ok := CodeLengthForLevel(level)
	if !ok || n >= len(code) {
		return "", false
	}
	return code[:n], true
}

// HierarchyNode is one entry of the taxonomy tree, scoped to a snapshot.
// Name is empty for stubs created ahead of their own record.
type HierarchyNode struct {
	ID         uuid.UUID  `json:"id"`
	SnapshotID uuid.UUID  `json:"snapshot_id"`
	Code       string     `json:"code"`
	Level      int        `json:"level"`
	Name       string     `json:"name,omitempty"`
	ParentID   *uuid.UUID `json:"parent_id,omitempty"`
	Searchable bool       `json:"searchable"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// IsLeaf reports whether the node sits at the deepest level.
func (n *HierarchyNode) IsLeaf() bool {
	return n.Level == MaxLevel
}

// TaxonomyRecord is one entry yielded by a taxonomy producer.
// Producers yield parents before children. A zero Level means
// "derive from code length".
type TaxonomyRecord struct {
	Code       string `json:"code"`
	Level      int    `json:"level"`
	ParentCode string `json:"parent_code,omitempty"`
	Name       string `json:"name"`
}

// Validate checks the record's shape and returns its effective level.
// Errors wrap ErrInvalidLevel, ErrMissingParent, ErrParentLevelMismatch
// or ErrValidation.
func (r TaxonomyRecord) Validate() (int, error) {
	if r.Code == "" {
		return 0, fmt.Errorf("%w: code is required", apperrors.ErrValidation)
	}

	level, ok := LevelForCode(r.Code)
	if !ok {
		return 0, fmt.Errorf("%w: code %q has length %d", apperrors.ErrInvalidLevel, r.Code, len(r.Code))
	}
	if r.Level != 0 && r.Level != level {
		return 0, fmt.Errorf("%w: code %q implies level %d, record says %d", apperrors.ErrInvalidLevel, r.Code, level, r.Level)
	}

	if level > 1 {
		if r.ParentCode == "" {
			return 0, fmt.Errorf("%w: level %d code %q has no parent code", apperrors.ErrMissingParent, level, r.Code)
		}
		parentLevel, ok := LevelForCode(r.ParentCode)
		if !ok || parentLevel != level-1 {
			return 0, fmt.Errorf("%w: parent %q of %q is not a level %d code", apperrors.ErrParentLevelMismatch, r.ParentCode, r.Code, level-1)
		}
		if r.Name == "" {
			return 0, fmt.Errorf("%w: name is required for level %d", apperrors.ErrValidation, level)
		}
	}

	if utf8.RuneCountInString(r.Name) > MaxNameLength {
		return 0, fmt.Errorf("%w: name exceeds %d characters", apperrors.ErrValidation, MaxNameLength)
	}

	return level, nil
}

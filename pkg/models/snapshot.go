package models

import (
	"time"

	"github.com/google/uuid"
)

// SnapshotKind identifies which external dataset a snapshot was imported from.
type SnapshotKind string

const (
	SnapshotKindTaxonomy SnapshotKind = "taxonomy" // five-level drug classification tree
	SnapshotKindClinical SnapshotKind = "clinical" // flat clinical-entity feed
)

// Valid reports whether k is a known snapshot kind.
func (k SnapshotKind) Valid() bool {
	return k == SnapshotKindTaxonomy || k == SnapshotKindClinical
}

// Snapshot is one versioned import run of an external dataset.
// At most one snapshot per kind is active. Snapshots are never deleted by
// normal operation so older runs stay available for audit and rollback.
type Snapshot struct {
	ID            uuid.UUID    `json:"id"`
	Kind          SnapshotKind `json:"kind"`
	RecordCount   int64        `json:"record_count"`
	InsertedCount int64        `json:"inserted_count"`
	DerivedCount  int64        `json:"derived_count"`
	Active        bool         `json:"active"`
	// ReconciledAt is cleared on activation and set once every reconciliation
	// batch for the snapshot has succeeded.
	ReconciledAt *time.Time `json:"reconciled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ReconciliationPending reports whether the snapshot is active but its
// catalog reconciliation has not completed.
func (s *Snapshot) ReconciliationPending() bool {
	return s.Active && s.ReconciledAt == nil
}

package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/neverdrugs/catalog-engine/pkg/apperrors"
)

// ClinicalDateLayout is the timestamp format used by the clinical feed.
const ClinicalDateLayout = "2006-01-02 15:04:05"

// noDescription is the feed's placeholder for a missing description.
const noDescription = "None available"

// ClinicalInput is one raw entry of the clinical-entity feed.
type ClinicalInput struct {
	Name         string `json:"name"`
	ExternalCode string `json:"external_code"`
	UpdatedAt    string `json:"updated_at"`
	Description  string `json:"description"`
	Status       string `json:"status"`
}

// ClinicalRecord is a flat, snapshot-scoped clinical entity.
type ClinicalRecord struct {
	ID          uuid.UUID  `json:"id"`
	SnapshotID  uuid.UUID  `json:"snapshot_id"`
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status,omitempty"`
	DateUpdated *time.Time `json:"date_updated,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Parse validates the input and converts it to a ClinicalRecord owned by snapshotID.
func (in ClinicalInput) Parse(snapshotID uuid.UUID) (*ClinicalRecord, error) {
	code := strings.TrimSpace(in.ExternalCode)
	if code == "" {
		return nil, fmt.Errorf("%w: external_code is required", apperrors.ErrValidation)
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", apperrors.ErrValidation)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return nil, fmt.Errorf("%w: name exceeds %d characters", apperrors.ErrValidation, MaxNameLength)
	}

	rec := &ClinicalRecord{
		SnapshotID: snapshotID,
		Code:       code,
		Name:       name,
		Status:     strings.TrimSpace(in.Status),
	}

	if desc := strings.TrimSpace(in.Description); desc != noDescription {
		rec.Description = desc
	}

	if raw := strings.TrimSpace(in.UpdatedAt); raw != "" {
		t, err := time.Parse(ClinicalDateLayout, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: updated_at %q is not %s", apperrors.ErrValidation, raw, ClinicalDateLayout)
		}
		rec.DateUpdated = &t
	}

	return rec, nil
}

package models

import (
	"errors"
	"fmt"

	"github.com/neverdrugs/catalog-engine/pkg/apperrors"
)

// Record error codes.
const (
	RecordErrorInvalidLevel        = "invalid_level"
	RecordErrorMissingParent       = "missing_parent"
	RecordErrorParentLevelMismatch = "parent_level_mismatch"
	RecordErrorValidation          = "validation"
	RecordErrorStorage             = "storage"
)

// RecordError describes why one record of a chunk was skipped.
// Index is the record's position in the chunk as submitted.
type RecordError struct {
	Index  int    `json:"index"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %d: %s: %s", e.Index, e.Code, e.Reason)
}

// NewRecordError classifies err into a RecordError for the record at index.
func NewRecordError(index int, err error) RecordError {
	code := RecordErrorStorage
	switch {
	case errors.Is(err, apperrors.ErrInvalidLevel):
		code = RecordErrorInvalidLevel
	case errors.Is(err, apperrors.ErrMissingParent):
		code = RecordErrorMissingParent
	case errors.Is(err, apperrors.ErrParentLevelMismatch):
		code = RecordErrorParentLevelMismatch
	case errors.Is(err, apperrors.ErrValidation):
		code = RecordErrorValidation
	}
	return RecordError{Index: index, Code: code, Reason: err.Error()}
}

// ChunkResult summarizes one processed chunk.
type ChunkResult struct {
	Inserted int           `json:"inserted"`
	Errors   []RecordError `json:"errors,omitempty"`
}

package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neverdrugs/catalog-engine/pkg/apperrors"
)

func TestLevelForCode(t *testing.T) {
	tests := []struct {
		code  string
		level int
		ok    bool
	}{
		{"N", 1, true},
		{"N02", 2, true},
		{"N02B", 3, true},
		{"N02BE", 4, true},
		{"N02BE01", 5, true},
		{"", 0, false},
		{"N0", 0, false},
		{"N02BE0", 0, false},
		{"N02BE012", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			level, ok := LevelForCode(tt.code)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.level, level)
		})
	}
}

func TestAncestorCode(t *testing.T) {
	code := "N02BE01"

	got, ok := AncestorCode(code, 1)
	require.True(t, ok)
	assert.Equal(t, "N", got)

	got, ok = AncestorCode(code, 4)
	require.True(t, ok)
	assert.Equal(t, "N02BE", got)

	_, ok = AncestorCode(code, 5)
	assert.False(t, ok, "a code is not its own ancestor")

	_, ok = AncestorCode("N02", 3)
	assert.False(t, ok)
}

func TestTaxonomyRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		record  TaxonomyRecord
		level   int
		wantErr error
	}{
		{
			name:   "root without name",
			record: TaxonomyRecord{Code: "N", Level: 1},
			level:  1,
		},
		{
			name:   "leaf",
			record: TaxonomyRecord{Code: "N02BE01", Level: 5, ParentCode: "N02BE", Name: "Paracetamol"},
			level:  5,
		},
		{
			name:   "level derived when zero",
			record: TaxonomyRecord{Code: "N02B", ParentCode: "N02", Name: "Other analgesics"},
			level:  3,
		},
		{
			name:    "unknown code length",
			record:  TaxonomyRecord{Code: "N02BE0", ParentCode: "N02BE", Name: "x"},
			wantErr: apperrors.ErrInvalidLevel,
		},
		{
			name:    "level disagrees with code",
			record:  TaxonomyRecord{Code: "N02", Level: 3, ParentCode: "N", Name: "x"},
			wantErr: apperrors.ErrInvalidLevel,
		},
		{
			name:    "missing parent code",
			record:  TaxonomyRecord{Code: "N02", Level: 2, Name: "Analgesics"},
			wantErr: apperrors.ErrMissingParent,
		},
		{
			name:    "parent two levels up",
			record:  TaxonomyRecord{Code: "N02B", Level: 3, ParentCode: "N", Name: "x"},
			wantErr: apperrors.ErrParentLevelMismatch,
		},
		{
			name:    "empty name below root",
			record:  TaxonomyRecord{Code: "N02", Level: 2, ParentCode: "N"},
			wantErr: apperrors.ErrValidation,
		},
		{
			name:    "name too long",
			record:  TaxonomyRecord{Code: "N02", Level: 2, ParentCode: "N", Name: strings.Repeat("a", MaxNameLength+1)},
			wantErr: apperrors.ErrValidation,
		},
		{
			name:    "empty code",
			record:  TaxonomyRecord{Name: "x"},
			wantErr: apperrors.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, err := tt.record.Validate()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.level, level)
		})
	}
}

func TestNewRecordError_Classification(t *testing.T) {
	_, err := TaxonomyRecord{Code: "N02BE0"}.Validate()
	re := NewRecordError(6, err)

	assert.Equal(t, 6, re.Index)
	assert.Equal(t, RecordErrorInvalidLevel, re.Code)
	assert.Contains(t, re.Reason, "N02BE0")
	assert.Equal(t, RecordErrorStorage, NewRecordError(0, assert.AnError).Code)
}

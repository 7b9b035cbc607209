package taxonomy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/neverdrugs/catalog-engine/pkg/models"
)

// JSONLinesStream reads one TaxonomyRecord per JSON value from a file.
type JSONLinesStream struct {
	f   *os.File
	dec *json.Decoder
	n   int
}

var _ Stream[models.TaxonomyRecord] = (*JSONLinesStream)(nil)

// OpenJSONLines opens a newline-delimited JSON file of taxonomy records.
func OpenJSONLines(path string) (*JSONLinesStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &JSONLinesStream{f: f, dec: json.NewDecoder(bufio.NewReader(f))}, nil
}

func (s *JSONLinesStream) Next(ctx context.Context) (models.TaxonomyRecord, error) {
	var rec models.TaxonomyRecord
	if err := ctx.Err(); err != nil {
		return rec, err
	}
	if err := s.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return rec, io.EOF
		}
		return rec, fmt.Errorf("failed to decode record %d: %w", s.n+1, err)
	}
	s.n++
	return rec, nil
}

// Close releases the underlying file.
func (s *JSONLinesStream) Close() error {
	return s.f.Close()
}

// LoadClinicalDocument reads a pre-fetched clinical feed: a JSON array of
// entries, or an object holding that array under "records".
func LoadClinicalDocument(path string) ([]models.ClinicalInput, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var records []models.ClinicalInput
	if err := json.Unmarshal(raw, &records); err == nil {
		return records, nil
	}

	var doc struct {
		Records []models.ClinicalInput `json:"records"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse clinical document %s: %w", path, err)
	}
	return doc.Records, nil
}

// LoadAliasDocument reads a generic name to brand names mapping.
func LoadAliasDocument(path string) (map[string][]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var mappings map[string][]string
	if err := json.Unmarshal(raw, &mappings); err != nil {
		return nil, fmt.Errorf("failed to parse alias document %s: %w", path, err)
	}
	return mappings, nil
}

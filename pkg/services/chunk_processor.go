package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neverdrugs/catalog-engine/pkg/database"
	"github.com/neverdrugs/catalog-engine/pkg/models"
	"github.com/neverdrugs/catalog-engine/pkg/observability"
	"github.com/neverdrugs/catalog-engine/pkg/repositories"
	"github.com/neverdrugs/catalog-engine/pkg/retry"
)

// ChunkProcessor upserts one chunk of imported records into a snapshot.
//
// Records that fail validation are reported in the result and skipped; the
// rest of the chunk proceeds. A transient storage error aborts the attempt
// and is returned so the work queue can retry the whole chunk. Re-running a
// chunk converges on the same rows because every write is keyed by
// (snapshot_id, code).
type ChunkProcessor interface {
	ProcessTaxonomyChunk(ctx context.Context, snapshotID uuid.UUID, rootName string, records []models.TaxonomyRecord) (*models.ChunkResult, error)
	ProcessClinicalChunk(ctx context.Context, snapshotID uuid.UUID, records []models.ClinicalInput) (*models.ChunkResult, error)
}

type chunkProcessor struct {
	db           database.TxRunner
	hierarchy    repositories.HierarchyRepository
	clinical     repositories.ClinicalRepository
	snapshotsSvc SnapshotService
	logger       *zap.Logger
}

func NewChunkProcessor(
	db database.TxRunner,
	hierarchy repositories.HierarchyRepository,
	clinical repositories.ClinicalRepository,
	snapshotsSvc SnapshotService,
	logger *zap.Logger,
) ChunkProcessor {
	return &chunkProcessor{
		db:           db,
		hierarchy:    hierarchy,
		clinical:     clinical,
		snapshotsSvc: snapshotsSvc,
		logger:       logger.Named("chunk-processor"),
	}
}

var _ ChunkProcessor = (*chunkProcessor)(nil)

type validTaxonomyRecord struct {
	index  int
	level  int
	record models.TaxonomyRecord
}

func (p *chunkProcessor) ProcessTaxonomyChunk(ctx context.Context, snapshotID uuid.UUID, rootName string, records []models.TaxonomyRecord) (*models.ChunkResult, error) {
	start := time.Now()
	defer func() {
		observability.ChunkDuration.WithLabelValues(string(models.SnapshotKindTaxonomy)).Observe(time.Since(start).Seconds())
	}()
	ctx = p.db.WithScope(ctx)

	result := &models.ChunkResult{}
	valid := make([]validTaxonomyRecord, 0, len(records))
	for i, rec := range records {
		level, err := rec.Validate()
		if err != nil {
			p.recordError(result, i, rec.Code, err)
			continue
		}
		valid = append(valid, validTaxonomyRecord{index: i, level: level, record: rec})
	}

	// Parents sort ahead of children; ties keep input order.
	sort.SliceStable(valid, func(a, b int) bool { return valid[a].level < valid[b].level })

	for _, v := range valid {
		err := p.db.InTx(ctx, func(ctx context.Context) error {
			return p.upsertNode(ctx, snapshotID, rootName, v.level, v.record)
		})
		if err != nil {
			if retry.IsRetryable(err) {
				return nil, p.abort(ctx, snapshotID, models.SnapshotKindTaxonomy, result, v.index, err)
			}
			p.recordError(result, v.index, v.record.Code, err)
			continue
		}
		result.Inserted++
	}

	if err := p.finish(ctx, snapshotID, models.SnapshotKindTaxonomy, result); err != nil {
		return nil, err
	}
	return result, nil
}

// upsertNode creates any missing ancestors of rec and writes rec itself.
// The parent is rec.ParentCode; higher ancestors are its code prefixes.
func (p *chunkProcessor) upsertNode(ctx context.Context, snapshotID uuid.UUID, rootName string, level int, rec models.TaxonomyRecord) error {
	var parentID *uuid.UUID
	for l := 1; l < level; l++ {
		code := rec.ParentCode
		if l < level-1 {
			var ok bool
			if code, ok = models.AncestorCode(rec.ParentCode, l); !ok {
				return fmt.Errorf("failed to derive level %d ancestor of %q", l, rec.ParentCode)
			}
		}
		hint := ""
		if l == 1 {
			hint = rootName
		}
		id, err := p.hierarchy.EnsureStub(ctx, snapshotID, code, l, hint, parentID)
		if err != nil {
			return fmt.Errorf("failed to ensure ancestor %q: %w", code, err)
		}
		parentID = &id
	}

	name := rec.Name
	if level == 1 && name == "" {
		name = rootName
	}
	node := &models.HierarchyNode{
		ID:         uuid.New(),
		SnapshotID: snapshotID,
		Code:       rec.Code,
		Level:      level,
		Name:       name,
		ParentID:   parentID,
		Searchable: true,
	}
	if err := p.hierarchy.Upsert(ctx, node); err != nil {
		return fmt.Errorf("failed to upsert node %q: %w", rec.Code, err)
	}
	return nil
}

func (p *chunkProcessor) ProcessClinicalChunk(ctx context.Context, snapshotID uuid.UUID, records []models.ClinicalInput) (*models.ChunkResult, error) {
	start := time.Now()
	defer func() {
		observability.ChunkDuration.WithLabelValues(string(models.SnapshotKindClinical)).Observe(time.Since(start).Seconds())
	}()
	ctx = p.db.WithScope(ctx)

	result := &models.ChunkResult{}
	for i, in := range records {
		rec, err := in.Parse(snapshotID)
		if err != nil {
			p.recordError(result, i, in.ExternalCode, err)
			continue
		}
		rec.ID = uuid.New()

		if err := p.clinical.Upsert(ctx, rec); err != nil {
			if retry.IsRetryable(err) {
				return nil, p.abort(ctx, snapshotID, models.SnapshotKindClinical, result, i, err)
			}
			p.recordError(result, i, rec.Code, err)
			continue
		}
		result.Inserted++
	}

	if err := p.finish(ctx, snapshotID, models.SnapshotKindClinical, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *chunkProcessor) recordError(result *models.ChunkResult, index int, code string, err error) {
	recErr := models.NewRecordError(index, err)
	result.Errors = append(result.Errors, recErr)
	p.logger.Warn("Skipping record",
		zap.Int("record_index", index),
		zap.String("code", code),
		zap.String("reason", recErr.Code),
		zap.Error(err))
}

// abort ends an attempt on a transient error. Nothing is added to the
// inserted counter: the retried attempt re-upserts and counts every record.
func (p *chunkProcessor) abort(ctx context.Context, snapshotID uuid.UUID, kind models.SnapshotKind, result *models.ChunkResult, index int, err error) error {
	p.logger.Warn("Transient storage error, abandoning chunk attempt",
		zap.String("snapshot_id", snapshotID.String()),
		zap.String("kind", string(kind)),
		zap.Int("record_index", index),
		zap.Int("upserted_before_error", result.Inserted),
		zap.Error(err))
	return fmt.Errorf("chunk attempt aborted at record %d: %w", index, err)
}

// finish adds the attempt's successful upserts to the snapshot counter.
func (p *chunkProcessor) finish(ctx context.Context, snapshotID uuid.UUID, kind models.SnapshotKind, result *models.ChunkResult) error {
	observability.ChunkRecordsTotal.WithLabelValues(string(kind), "ok").Add(float64(result.Inserted))
	observability.ChunkRecordsTotal.WithLabelValues(string(kind), "error").Add(float64(len(result.Errors)))

	if result.Inserted > 0 {
		if err := p.snapshotsSvc.IncrementInserted(ctx, snapshotID, int64(result.Inserted)); err != nil {
			return err
		}
	}

	p.logger.Debug("Chunk processed",
		zap.String("snapshot_id", snapshotID.String()),
		zap.String("kind", string(kind)),
		zap.Int("chunk_size", result.Inserted+len(result.Errors)),
		zap.Int("inserted", result.Inserted),
		zap.Int("errors", len(result.Errors)))
	return nil
}

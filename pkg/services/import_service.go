package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neverdrugs/catalog-engine/pkg/config"
	"github.com/neverdrugs/catalog-engine/pkg/models"
	"github.com/neverdrugs/catalog-engine/pkg/services/workqueue"
	"github.com/neverdrugs/catalog-engine/pkg/taxonomy"
)

// ImportOptions controls an import run.
type ImportOptions struct {
	// Activate promotes the snapshot once every chunk succeeded and waits
	// for its reconciliation. A snapshot with failed chunks stays inactive.
	Activate bool
}

// ImportReport summarizes an import run.
type ImportReport struct {
	SnapshotID   uuid.UUID            `json:"snapshot_id"`
	Records      int                  `json:"records"`
	Inserted     int                  `json:"inserted"`
	Errors       []models.RecordError `json:"errors,omitempty"`
	FailedChunks int                  `json:"failed_chunks"`
	Activated    bool                 `json:"activated"`
}

// ImportService runs an import: it creates a snapshot, splits the input into
// chunks and processes them in parallel on a work queue.
type ImportService interface {
	// ImportTaxonomy imports a parent-before-child taxonomy stream.
	// rootName names level-1 nodes the feed leaves unnamed.
	// A stream failure stops dispatch; chunks already dispatched still
	// finish, then the failure is returned with the partial report.
	ImportTaxonomy(ctx context.Context, stream taxonomy.Stream[models.TaxonomyRecord], rootName string, opts ImportOptions) (*ImportReport, error)

	// ImportClinical imports a pre-fetched clinical feed.
	ImportClinical(ctx context.Context, records []models.ClinicalInput, opts ImportOptions) (*ImportReport, error)
}

type importService struct {
	snapshots SnapshotService
	processor ChunkProcessor
	queues    *QueueFactory
	cfg       config.ImportConfig
	logger    *zap.Logger
}

func NewImportService(
	snapshots SnapshotService,
	processor ChunkProcessor,
	queues *QueueFactory,
	cfg config.ImportConfig,
	logger *zap.Logger,
) ImportService {
	return &importService{
		snapshots: snapshots,
		processor: processor,
		queues:    queues,
		cfg:       cfg,
		logger:    logger.Named("import-service"),
	}
}

var _ ImportService = (*importService)(nil)

func (s *importService) ImportTaxonomy(ctx context.Context, stream taxonomy.Stream[models.TaxonomyRecord], rootName string, opts ImportOptions) (*ImportReport, error) {
	return runImport[models.TaxonomyRecord](ctx, s, models.SnapshotKindTaxonomy, stream, s.cfg.TaxonomyChunkSize,
		func(ctx context.Context, snapshotID uuid.UUID, chunk []models.TaxonomyRecord) (*models.ChunkResult, error) {
			return s.processor.ProcessTaxonomyChunk(ctx, snapshotID, rootName, chunk)
		}, opts)
}

func (s *importService) ImportClinical(ctx context.Context, records []models.ClinicalInput, opts ImportOptions) (*ImportReport, error) {
	return runImport[models.ClinicalInput](ctx, s, models.SnapshotKindClinical, taxonomy.NewSliceStream(records), s.cfg.ClinicalBatchSize,
		s.processor.ProcessClinicalChunk, opts)
}

type chunkFunc[T any] func(ctx context.Context, snapshotID uuid.UUID, chunk []T) (*models.ChunkResult, error)

func runImport[T any](
	ctx context.Context,
	s *importService,
	kind models.SnapshotKind,
	stream taxonomy.Stream[T],
	chunkSize int,
	process chunkFunc[T],
	opts ImportOptions,
) (*ImportReport, error) {
	snap, err := s.snapshots.Create(ctx, kind, 0)
	if err != nil {
		return nil, err
	}
	report := &ImportReport{SnapshotID: snap.ID}
	log := s.logger.With(zap.String("snapshot_id", snap.ID.String()), zap.String("kind", string(kind)))

	var mu sync.Mutex
	q := s.queues.New("import", workqueue.WithContext(ctx))
	chunker := taxonomy.NewChunker(stream, chunkSize)

	var streamErr error
	for n := 0; ; n++ {
		chunk, err := chunker.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			log.Error("Record stream failed, waiting for dispatched chunks",
				zap.Int("records", report.Records),
				zap.Error(err))
			break
		}

		offset := report.Records
		report.Records += len(chunk)

		// Blocks while the queue's backlog is full, so the stream is read
		// no faster than chunks are processed.
		err = q.EnqueueWait(ctx, workqueue.NewFuncTask(fmt.Sprintf("%s chunk %d", kind, n), workqueue.LaneImport,
			func(ctx context.Context, _ workqueue.TaskEnqueuer) error {
				res, err := process(ctx, snap.ID, chunk)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				report.Inserted += res.Inserted
				for _, e := range res.Errors {
					e.Index += offset
					report.Errors = append(report.Errors, e)
				}
				return nil
			}))
		if err != nil {
			report.Records -= len(chunk)
			streamErr = err
			break
		}
	}

	if err := q.Wait(ctx); err != nil && ctx.Err() != nil {
		return report, err
	}
	progress := q.Progress()
	report.FailedChunks = progress.Failed + progress.Cancelled

	if err := s.snapshots.SetRecordCount(ctx, snap.ID, int64(report.Records)); err != nil {
		return report, err
	}

	log.Info("Import finished",
		zap.Int("records", report.Records),
		zap.Int("inserted", report.Inserted),
		zap.Int("record_errors", len(report.Errors)),
		zap.Int("failed_chunks", report.FailedChunks))

	if streamErr != nil {
		return report, streamErr
	}

	if opts.Activate {
		if report.FailedChunks > 0 {
			log.Warn("Snapshot left inactive because chunks failed")
			return report, nil
		}
		w, err := s.snapshots.Activate(ctx, snap.ID)
		if err != nil {
			return report, err
		}
		report.Activated = true
		if err := w.Wait(ctx); err != nil {
			return report, fmt.Errorf("reconciliation failed: %w", err)
		}
	}
	return report, nil
}

package index

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yuelin/studydesk/internal/blobstore"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/executor"
	"github.com/yuelin/studydesk/internal/logger"
	"github.com/yuelin/studydesk/internal/vectorstore"
)

// WorkerPool drains the pending queues: claim, chunk, embed, insert vectors,
// record segments, transition state.
type WorkerPool struct {
	index        *Service
	vectors      vectorstore.VectorStore
	blobs        *blobstore.Store
	textEmbedder executor.Embedder
	mmEmbedder   executor.Embedder // nil when no multimodal model is configured
	chunker      *Chunker
	logger       *logger.Logger
	workers      int
	batchSize    int
}

// WorkerConfig sizes the pool.
type WorkerConfig struct {
	Workers   int
	BatchSize int
}

// NewWorkerPool creates an index worker pool.
func NewWorkerPool(
	idx *Service,
	vectors vectorstore.VectorStore,
	blobs *blobstore.Store,
	textEmbedder executor.Embedder,
	mmEmbedder executor.Embedder,
	chunker *Chunker,
	log *logger.Logger,
	cfg *WorkerConfig,
) *WorkerPool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	if chunker == nil {
		chunker = NewChunker(0, 0)
	}
	return &WorkerPool{
		index:        idx,
		vectors:      vectors,
		blobs:        blobs,
		textEmbedder: textEmbedder,
		mmEmbedder:   mmEmbedder,
		chunker:      chunker,
		logger:       log,
		workers:      workers,
		batchSize:    batchSize,
	}
}

// RunStats holds counters for one drain pass.
type RunStats struct {
	TotalUnits   int64
	IndexedUnits int64
	FailedUnits  int64
	SkippedUnits int64
	StartTime    time.Time
	EndTime      time.Time
}

type workItem struct {
	unit     domain.IndexUnit
	modality domain.Modality
}

// RunOnce drains both pending queues once.
func (p *WorkerPool) RunOnce(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{StartTime: time.Now()}

	items := make([]workItem, 0, p.batchSize*2)
	textUnits, err := p.index.ListPendingText(ctx, p.batchSize)
	if err != nil {
		return nil, err
	}
	for _, u := range textUnits {
		items = append(items, workItem{unit: u, modality: domain.ModalityText})
	}
	if p.mmEmbedder != nil {
		mmUnits, err := p.index.ListPendingMm(ctx, p.batchSize)
		if err != nil {
			return nil, err
		}
		for _, u := range mmUnits {
			items = append(items, workItem{unit: u, modality: domain.ModalityMultimodal})
		}
	}
	stats.TotalUnits = int64(len(items))
	if len(items) == 0 {
		stats.EndTime = time.Now()
		return stats, nil
	}

	itemsChan := make(chan workItem, p.workers*2)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, itemsChan, stats)
		}()
	}

	for _, item := range items {
		select {
		case itemsChan <- item:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(itemsChan)
	wg.Wait()

	stats.EndTime = time.Now()
	p.logger.WithFields(logger.Fields{
		"total":    stats.TotalUnits,
		"indexed":  stats.IndexedUnits,
		"failed":   stats.FailedUnits,
		"skipped":  stats.SkippedUnits,
		"duration": stats.EndTime.Sub(stats.StartTime).String(),
	}).Info("Index pass completed")
	return stats, nil
}

// Run polls the pending queues until the context is cancelled.
func (p *WorkerPool) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := p.RunOnce(ctx); err != nil {
			p.logger.WithError(err).Error("Index pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *WorkerPool) worker(ctx context.Context, items <-chan workItem, stats *RunStats) {
	for item := range items {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var err error
		switch item.modality {
		case domain.ModalityText:
			err = p.processText(ctx, &item.unit)
		case domain.ModalityMultimodal:
			err = p.processMm(ctx, &item.unit)
		}
		switch {
		case err == nil:
			atomic.AddInt64(&stats.IndexedUnits, 1)
		case isClaimLost(err):
			atomic.AddInt64(&stats.SkippedUnits, 1)
		default:
			atomic.AddInt64(&stats.FailedUnits, 1)
			p.logger.WithFields(logger.Fields{
				logger.FieldUnitID: item.unit.ID,
				"modality":         item.modality,
			}).WithError(err).Error("Failed to index unit")
		}
	}
}

// isClaimLost distinguishes "another worker took it" from real failures.
func isClaimLost(err error) bool {
	return errors.Is(err, domain.ErrValidation)
}

func (p *WorkerPool) processText(ctx context.Context, unit *domain.IndexUnit) error {
	dim := p.textEmbedder.Dimensions()
	if err := p.index.SetTextIndexing(ctx, unit.ID, dim); err != nil {
		return err
	}

	chunks := p.chunker.Chunk(unit.TextContent)
	if len(chunks) == 0 {
		reason := "unit has no text to chunk"
		if err := p.index.FailTextIndexing(ctx, unit.ID, reason); err != nil {
			return err
		}
		return domain.Internalf("unit %s: %s", unit.ID, reason)
	}

	vectors, err := p.textEmbedder.EmbedTexts(ctx, chunks)
	if err != nil {
		p.failText(ctx, unit.ID, err)
		return err
	}

	rows := make([]vectorstore.InsertRow, len(chunks))
	for i := range chunks {
		rows[i] = vectorstore.InsertRow{
			ResourceID: unit.ResourceID,
			UnitID:     unit.ID,
			ChunkIndex: i,
			PageIndex:  unit.UnitIndex,
			Text:       chunks[i],
			Vector:     vectors[i],
		}
	}
	rowIDs, err := p.vectors.Insert(ctx, domain.ModalityText, dim, rows)
	if err != nil {
		p.failText(ctx, unit.ID, err)
		return err
	}

	segments := make([]SegmentInput, len(rowIDs))
	for i, rowID := range rowIDs {
		segments[i] = SegmentInput{
			ChunkIndex: i,
			LanceRowID: rowID,
			Metadata:   domain.JSONMap{"page_index": unit.UnitIndex},
		}
	}
	if err := p.index.CompleteTextIndexing(ctx, unit, dim, segments); err != nil {
		// Segments are the source of truth; roll the vectors back best-effort.
		if delErr := p.vectors.DeleteRows(ctx, domain.ModalityText, dim, rowIDs); delErr != nil {
			p.logger.WithField(logger.FieldUnitID, unit.ID).WithError(delErr).
				Warn("Failed to roll back vector rows after completion failure")
		}
		p.failText(ctx, unit.ID, err)
		return err
	}
	return nil
}

func (p *WorkerPool) processMm(ctx context.Context, unit *domain.IndexUnit) error {
	dim := p.mmEmbedder.Dimensions()
	if err := p.index.SetMmIndexing(ctx, unit.ID, dim); err != nil {
		return err
	}
	if unit.ImageBlobHash == "" {
		reason := "unit has no image blob"
		if err := p.index.FailMmIndexing(ctx, unit.ID, reason); err != nil {
			return err
		}
		return domain.Internalf("unit %s: %s", unit.ID, reason)
	}

	reader, err := p.blobs.Open(ctx, unit.ImageBlobHash)
	if err != nil {
		p.failMm(ctx, unit.ID, err)
		return err
	}
	imageData, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		err = domain.WrapIo(err, "read image blob")
		p.failMm(ctx, unit.ID, err)
		return err
	}

	vector, err := p.mmEmbedder.EmbedImage(ctx, imageData, formatFromMime(unit.ImageMimeType))
	if err != nil {
		p.failMm(ctx, unit.ID, err)
		return err
	}

	rows := []vectorstore.InsertRow{{
		ResourceID: unit.ResourceID,
		UnitID:     unit.ID,
		ChunkIndex: 0,
		PageIndex:  unit.UnitIndex,
		Text:       unit.TextContent,
		Vector:     vector,
	}}
	rowIDs, err := p.vectors.Insert(ctx, domain.ModalityMultimodal, dim, rows)
	if err != nil {
		p.failMm(ctx, unit.ID, err)
		return err
	}

	segments := []SegmentInput{{
		ChunkIndex: 0,
		LanceRowID: rowIDs[0],
		Metadata:   domain.JSONMap{"page_index": unit.UnitIndex},
	}}
	if err := p.index.CompleteMmIndexing(ctx, unit, dim, segments); err != nil {
		if delErr := p.vectors.DeleteRows(ctx, domain.ModalityMultimodal, dim, rowIDs); delErr != nil {
			p.logger.WithField(logger.FieldUnitID, unit.ID).WithError(delErr).
				Warn("Failed to roll back vector rows after completion failure")
		}
		p.failMm(ctx, unit.ID, err)
		return err
	}
	return nil
}

func (p *WorkerPool) failText(ctx context.Context, unitID string, cause error) {
	if err := p.index.FailTextIndexing(ctx, unitID, cause.Error()); err != nil {
		p.logger.WithField(logger.FieldUnitID, unitID).WithError(err).
			Warn("Failed to record text indexing failure")
	}
}

func (p *WorkerPool) failMm(ctx context.Context, unitID string, cause error) {
	if err := p.index.FailMmIndexing(ctx, unitID, cause.Error()); err != nil {
		p.logger.WithField(logger.FieldUnitID, unitID).WithError(err).
			Warn("Failed to record mm indexing failure")
	}
}

func formatFromMime(mime string) string {
	switch mime {
	case "image/jpeg":
		return "jpeg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}

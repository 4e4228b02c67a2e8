package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
	"github.com/yuelin/studydesk/internal/vectorstore"
)

func newTestService(t *testing.T) (*Service, *vectorstore.MemoryStore) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Resource{}, &domain.IndexUnit{}, &domain.IndexSegment{}, &domain.EmbeddingDim{},
	))

	vectors := vectorstore.NewMemoryStore()
	svc := NewService(db, vectors, NewBuilderRegistry(), logger.New(&logger.Config{Level: "error"}))
	return svc, vectors
}

func noteResource(content string) *domain.Resource {
	return &domain.Resource{
		ID:           domain.NewID(domain.PrefixResource),
		ResourceType: domain.ResourceNote,
		Title:        "note",
		Payload:      domain.JSONMap{domain.PayloadContent: content},
	}
}

func TestSyncResourceUnitsIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	res := noteResource("the chain rule")

	first, err := svc.SyncResourceUnits(ctx, res)
	require.NoError(t, err)
	require.Equal(t, 1, first.Created)
	require.Equal(t, 0, first.Updated)

	second, err := svc.SyncResourceUnits(ctx, res)
	require.NoError(t, err)
	require.Equal(t, 0, second.Created)
	require.Equal(t, 0, second.Updated)
	require.Equal(t, 0, second.Deleted)
	require.Equal(t, 1, second.Unchanged)
	require.Empty(t, second.Orphans)

	units, err := svc.ListUnits(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Equal(t, domain.UnitPending, units[0].TextState)
	require.Equal(t, domain.UnitDisabled, units[0].MmState)
}

func TestSyncResetsChangedUnitAndReportsOrphans(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	res := noteResource("v1 content")

	_, err := svc.SyncResourceUnits(ctx, res)
	require.NoError(t, err)
	units, err := svc.ListUnits(ctx, res.ID)
	require.NoError(t, err)
	unit := &units[0]

	// Index the unit so the re-sync has segments to orphan.
	require.NoError(t, svc.SetTextIndexing(ctx, unit.ID, 128))
	require.NoError(t, svc.CompleteTextIndexing(ctx, unit, 128, []SegmentInput{
		{ChunkIndex: 0, LanceRowID: "row-1"},
		{ChunkIndex: 1, LanceRowID: "row-2"},
	}))

	res.Payload[domain.PayloadContent] = "v2 content"
	result, err := svc.SyncResourceUnits(ctx, res)
	require.NoError(t, err)
	require.Equal(t, 1, result.Updated)
	require.Len(t, result.Orphans, 2)
	for _, o := range result.Orphans {
		require.Equal(t, domain.ModalityText, o.Modality)
		require.Equal(t, 128, o.EmbeddingDim)
	}

	// The unit keeps its ID but returns to pending with cleared progress.
	units, err = svc.ListUnits(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Equal(t, unit.ID, units[0].ID)
	require.Equal(t, domain.UnitPending, units[0].TextState)
	require.Equal(t, 0, units[0].TextChunkCount)
	require.Nil(t, units[0].TextEmbeddingDim)

	segments, err := svc.SegmentsForResource(ctx, res.ID)
	require.NoError(t, err)
	require.Empty(t, segments)
}

func TestSyncDeletesTrailingUnits(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res := &domain.Resource{
		ID:           domain.NewID(domain.PrefixResource),
		ResourceType: domain.ResourceFile,
		Title:        "scan.pdf",
		Payload: domain.JSONMap{
			domain.PayloadExtractedText: "native text",
			domain.PayloadOCRText:       "ocr text",
		},
	}
	first, err := svc.SyncResourceUnits(ctx, res)
	require.NoError(t, err)
	require.Equal(t, 2, first.Created)

	// The OCR pass is discarded; the second unit must go with it.
	delete(res.Payload, domain.PayloadOCRText)
	second, err := svc.SyncResourceUnits(ctx, res)
	require.NoError(t, err)
	require.Equal(t, 1, second.Deleted)
	require.Equal(t, 1, second.Unchanged)

	units, err := svc.ListUnits(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Equal(t, domain.TextSourceNative, units[0].TextSource)
}

func TestClaimIsExclusive(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	res := noteResource("claim me")

	_, err := svc.SyncResourceUnits(ctx, res)
	require.NoError(t, err)
	units, err := svc.ListUnits(ctx, res.ID)
	require.NoError(t, err)

	require.NoError(t, svc.SetTextIndexing(ctx, units[0].ID, 128))

	// A second claimer loses the UPDATE race and must back off.
	err = svc.SetTextIndexing(ctx, units[0].ID, 128)
	require.ErrorIs(t, err, domain.ErrValidation)

	unit, err := svc.GetUnit(ctx, units[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.UnitIndexing, unit.TextState)
	require.NotNil(t, unit.TextEmbeddingDim)
	require.Equal(t, 128, *unit.TextEmbeddingDim)
}

func TestClaimRejectsInvalidDimension(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.SetTextIndexing(context.Background(), "unit_x", 7)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestCompleteTextIndexingRecordsSegmentsAndCount(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterDimension(ctx, 128, domain.ModalityText, "emb-small", "test-embed")
	require.NoError(t, err)

	res := noteResource("two chunks of text")
	_, err = svc.SyncResourceUnits(ctx, res)
	require.NoError(t, err)
	units, err := svc.ListUnits(ctx, res.ID)
	require.NoError(t, err)
	unit := &units[0]

	require.NoError(t, svc.SetTextIndexing(ctx, unit.ID, 128))
	require.NoError(t, svc.CompleteTextIndexing(ctx, unit, 128, []SegmentInput{
		{ChunkIndex: 0, LanceRowID: "row-a"},
		{ChunkIndex: 1, LanceRowID: "row-b"},
	}))

	got, err := svc.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UnitIndexed, got.TextState)
	require.Equal(t, 2, got.TextChunkCount)

	segments, err := svc.SegmentsForResource(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	require.Equal(t, "row-a", segments[0].LanceRowID)

	dims, err := svc.ListDimensions(ctx, domain.ModalityText)
	require.NoError(t, err)
	require.Len(t, dims, 1)
	require.Equal(t, int64(2), dims[0].RecordCount)
}

func TestFailTextIndexingRequiresClaim(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	res := noteResource("will fail")

	_, err := svc.SyncResourceUnits(ctx, res)
	require.NoError(t, err)
	units, err := svc.ListUnits(ctx, res.ID)
	require.NoError(t, err)

	// Failing a unit nobody claimed is a bug in the caller.
	err = svc.FailTextIndexing(ctx, units[0].ID, "embedder down")
	require.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, svc.SetTextIndexing(ctx, units[0].ID, 128))
	require.NoError(t, svc.FailTextIndexing(ctx, units[0].ID, "embedder down"))

	unit, err := svc.GetUnit(ctx, units[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.UnitFailed, unit.TextState)
	require.Equal(t, "embedder down", unit.TextError)
}

func TestResetUnitReturnsToPending(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	res := noteResource("reset me")

	_, err := svc.SyncResourceUnits(ctx, res)
	require.NoError(t, err)
	units, err := svc.ListUnits(ctx, res.ID)
	require.NoError(t, err)

	require.NoError(t, svc.SetTextIndexing(ctx, units[0].ID, 128))
	require.NoError(t, svc.FailTextIndexing(ctx, units[0].ID, "transient"))

	require.NoError(t, svc.ResetUnit(ctx, units[0].ID, domain.ModalityText))
	unit, err := svc.GetUnit(ctx, units[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.UnitPending, unit.TextState)
	require.Empty(t, unit.TextError)
	require.Nil(t, unit.TextEmbeddingDim)
}

func TestListPendingTextSkipsClaimedUnits(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a := noteResource("first")
	b := noteResource("second")
	_, err := svc.SyncResourceUnits(ctx, a)
	require.NoError(t, err)
	_, err = svc.SyncResourceUnits(ctx, b)
	require.NoError(t, err)

	pending, err := svc.ListPendingText(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, svc.SetTextIndexing(ctx, pending[0].ID, 128))
	pending, err = svc.ListPendingText(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestRequeueForDimensionMovesStaleUnits(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	res := noteResource("old dimension")

	_, err := svc.SyncResourceUnits(ctx, res)
	require.NoError(t, err)
	units, err := svc.ListUnits(ctx, res.ID)
	require.NoError(t, err)
	unit := &units[0]

	require.NoError(t, svc.SetTextIndexing(ctx, unit.ID, 128))
	require.NoError(t, svc.CompleteTextIndexing(ctx, unit, 128, []SegmentInput{
		{ChunkIndex: 0, LanceRowID: "row-old"},
	}))

	// Same dimension: nothing to do.
	n, err := svc.RequeueForDimension(ctx, domain.ModalityText, 128)
	require.NoError(t, err)
	require.Zero(t, n)

	// New default model: the indexed unit goes back in the queue.
	n, err = svc.RequeueForDimension(ctx, domain.ModalityText, 256)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := svc.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UnitPending, got.TextState)
}

func TestRegisterDimensionIsIdempotent(t *testing.T) {
	svc, vectors := newTestService(t)
	ctx := context.Background()

	first, err := svc.RegisterDimension(ctx, 512, domain.ModalityText, "emb", "model-a")
	require.NoError(t, err)
	require.Equal(t, domain.LanceTableName(domain.ModalityText, 512), first.LanceTableName)

	second, err := svc.RegisterDimension(ctx, 512, domain.ModalityText, "emb", "model-a")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	dims, err := svc.ListDimensions(ctx, domain.ModalityText)
	require.NoError(t, err)
	require.Len(t, dims, 1)
	require.Zero(t, vectors.RowCount(domain.ModalityText, 512))
}

func TestRegisterDimensionRejectsOutOfRange(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.RegisterDimension(context.Background(), 32, domain.ModalityText, "emb", "tiny")
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = svc.RegisterDimension(context.Background(), 10000, domain.ModalityText, "emb", "huge")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestDeleteDimensionRefusedWhileIndexing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterDimension(ctx, 128, domain.ModalityText, "emb", "model")
	require.NoError(t, err)

	res := noteResource("in flight")
	_, err = svc.SyncResourceUnits(ctx, res)
	require.NoError(t, err)
	units, err := svc.ListUnits(ctx, res.ID)
	require.NoError(t, err)
	require.NoError(t, svc.SetTextIndexing(ctx, units[0].ID, 128))

	err = svc.DeleteDimensionCascade(ctx, 128, domain.ModalityText)
	require.ErrorIs(t, err, domain.ErrValidation)

	// Once the claim resolves the dimension can go.
	require.NoError(t, svc.FailTextIndexing(ctx, units[0].ID, "abandoned"))
	require.NoError(t, svc.DeleteDimensionCascade(ctx, 128, domain.ModalityText))

	dims, err := svc.ListDimensions(ctx, domain.ModalityText)
	require.NoError(t, err)
	require.Empty(t, dims)
}

func TestDeleteDimensionMissingIsNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.DeleteDimensionCascade(context.Background(), 777, domain.ModalityText)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRefreshCountsFromSegments(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterDimension(ctx, 128, domain.ModalityText, "emb", "model")
	require.NoError(t, err)

	res := noteResource("count me")
	_, err = svc.SyncResourceUnits(ctx, res)
	require.NoError(t, err)
	units, err := svc.ListUnits(ctx, res.ID)
	require.NoError(t, err)
	require.NoError(t, svc.SetTextIndexing(ctx, units[0].ID, 128))
	require.NoError(t, svc.CompleteTextIndexing(ctx, &units[0], 128, []SegmentInput{
		{ChunkIndex: 0, LanceRowID: "row-1"},
		{ChunkIndex: 1, LanceRowID: "row-2"},
		{ChunkIndex: 2, LanceRowID: "row-3"},
	}))

	// Drift the counter, then recover it from the segment table.
	require.NoError(t, svc.db.Model(&domain.EmbeddingDim{}).
		Where("dimension = ? AND modality = ?", 128, domain.ModalityText).
		Update("record_count", 99).Error)

	require.NoError(t, svc.RefreshCountsFromSegments(ctx))

	dims, err := svc.ListDimensions(ctx, domain.ModalityText)
	require.NoError(t, err)
	require.Equal(t, int64(3), dims[0].RecordCount)
}

func TestDeleteResourceIndexFull(t *testing.T) {
	svc, vectors := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterDimension(ctx, 128, domain.ModalityText, "emb", "model")
	require.NoError(t, err)

	res := noteResource("purge me")
	_, err = svc.SyncResourceUnits(ctx, res)
	require.NoError(t, err)
	units, err := svc.ListUnits(ctx, res.ID)
	require.NoError(t, err)
	require.NoError(t, svc.SetTextIndexing(ctx, units[0].ID, 128))

	rowIDs, err := vectors.Insert(ctx, domain.ModalityText, 128, []vectorstore.InsertRow{
		{ResourceID: res.ID, UnitID: units[0].ID, ChunkIndex: 0, Text: "purge me", Vector: make([]float32, 128)},
	})
	require.NoError(t, err)
	require.NoError(t, svc.CompleteTextIndexing(ctx, &units[0], 128, []SegmentInput{
		{ChunkIndex: 0, LanceRowID: rowIDs[0]},
	}))

	require.NoError(t, svc.DeleteResourceIndexFull(ctx, res.ID))

	remaining, err := svc.ListUnits(ctx, res.ID)
	require.NoError(t, err)
	require.Empty(t, remaining)
	segments, err := svc.SegmentsForResource(ctx, res.ID)
	require.NoError(t, err)
	require.Empty(t, segments)
	require.Zero(t, vectors.RowCount(domain.ModalityText, 128))

	dims, err := svc.ListDimensions(ctx, domain.ModalityText)
	require.NoError(t, err)
	require.Equal(t, int64(0), dims[0].RecordCount)
}

func TestRecordCountClampsAtZero(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterDimension(ctx, 128, domain.ModalityText, "emb", "model")
	require.NoError(t, err)

	res := noteResource("clamp me")
	_, err = svc.SyncResourceUnits(ctx, res)
	require.NoError(t, err)
	units, err := svc.ListUnits(ctx, res.ID)
	require.NoError(t, err)
	require.NoError(t, svc.SetTextIndexing(ctx, units[0].ID, 128))
	require.NoError(t, svc.CompleteTextIndexing(ctx, &units[0], 128, []SegmentInput{
		{ChunkIndex: 0, LanceRowID: "row-1"},
		{ChunkIndex: 1, LanceRowID: "row-2"},
	}))

	// Drift the counter below the segment count; deleting the resource
	// decrements past it and must bottom out at zero.
	require.NoError(t, svc.db.Model(&domain.EmbeddingDim{}).
		Where("dimension = ? AND modality = ?", 128, domain.ModalityText).
		Update("record_count", 1).Error)

	require.NoError(t, svc.DeleteResourceIndexFull(ctx, res.ID))

	dims, err := svc.ListDimensions(ctx, domain.ModalityText)
	require.NoError(t, err)
	require.Equal(t, int64(0), dims[0].RecordCount)
}

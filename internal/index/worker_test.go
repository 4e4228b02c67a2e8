package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
	"github.com/yuelin/studydesk/internal/vectorstore"
)

type stubEmbedder struct{ dim int }

func (s *stubEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, s.dim)
		vec[0] = 1
		out[i] = vec
	}
	return out, nil
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vec := make([]float32, s.dim)
	vec[0] = 1
	return vec, nil
}

func (s *stubEmbedder) EmbedImage(ctx context.Context, imageData []byte, format string) ([]float32, error) {
	return nil, domain.Validationf("text model cannot embed images")
}

func (s *stubEmbedder) Dimensions() int  { return s.dim }
func (s *stubEmbedder) Model() string    { return "stub-text" }
func (s *stubEmbedder) Multimodal() bool { return false }

func newTestWorkerPool(svc *Service, vectors vectorstore.VectorStore) *WorkerPool {
	return NewWorkerPool(svc, vectors, nil, &stubEmbedder{dim: 128}, nil,
		NewChunker(0, 0), logger.New(&logger.Config{Level: "error"}), &WorkerConfig{Workers: 1})
}

func TestRunOnceIndexesPendingTextUnit(t *testing.T) {
	svc, vectors := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterDimension(ctx, 128, domain.ModalityText, "cfg_text", "stub-text")
	require.NoError(t, err)

	res := noteResource("the chain rule differentiates compositions")
	_, err = svc.SyncResourceUnits(ctx, res)
	require.NoError(t, err)

	stats, err := newTestWorkerPool(svc, vectors).RunOnce(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.TotalUnits)
	require.EqualValues(t, 1, stats.IndexedUnits)
	require.EqualValues(t, 0, stats.FailedUnits)

	units, err := svc.ListUnits(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UnitIndexed, units[0].TextState)
	require.Equal(t, 1, units[0].TextChunkCount)
}

func TestRunOnceCountsEmptyUnitAsFailed(t *testing.T) {
	svc, vectors := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterDimension(ctx, 128, domain.ModalityText, "cfg_text", "stub-text")
	require.NoError(t, err)

	// A unit whose text emptied out after it was queued.
	unit := &domain.IndexUnit{
		ID:           domain.NewID(domain.PrefixUnit),
		ResourceID:   domain.NewID(domain.PrefixResource),
		UnitIndex:    0,
		TextContent:  "   ",
		TextSource:   domain.TextSourceNative,
		TextRequired: true,
		TextState:    domain.UnitPending,
		MmState:      domain.UnitDisabled,
	}
	require.NoError(t, svc.db.Create(unit).Error)

	stats, err := newTestWorkerPool(svc, vectors).RunOnce(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.TotalUnits)
	require.EqualValues(t, 0, stats.IndexedUnits)
	require.EqualValues(t, 1, stats.FailedUnits)

	got, err := svc.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UnitFailed, got.TextState)
	require.Contains(t, got.TextError, "no text to chunk")
}

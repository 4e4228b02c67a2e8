package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yuelin/studydesk/internal/domain"
)

func vec(dim int, values ...float32) []float32 {
	v := make([]float32, dim)
	copy(v, values)
	return v
}

func TestEnsureTableVerifiesDimension(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.EnsureTable(ctx, domain.ModalityText, 128))
	require.NoError(t, s.EnsureTable(ctx, domain.ModalityText, 128))

	err := s.EnsureTable(ctx, domain.ModalityText, 32)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestInsertRejectsWrongDimension(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Insert(context.Background(), domain.ModalityText, 128, []InsertRow{
		{ResourceID: "res_1", Vector: vec(64, 1)},
	})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestSearchOrdersByCosineSimilarity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Insert(ctx, domain.ModalityText, 128, []InsertRow{
		{ResourceID: "res_a", UnitID: "unit_a", Text: "aligned", Vector: vec(128, 1, 0)},
		{ResourceID: "res_b", UnitID: "unit_b", Text: "orthogonal", Vector: vec(128, 0, 1)},
		{ResourceID: "res_c", UnitID: "unit_c", Text: "diagonal", Vector: vec(128, 1, 1)},
	})
	require.NoError(t, err)

	hits, err := s.Search(ctx, domain.ModalityText, 128, vec(128, 1, 0), 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	require.Equal(t, "res_a", hits[0].ResourceID)
	require.InDelta(t, 1.0, hits[0].Score, 1e-6)
	require.Equal(t, "res_c", hits[1].ResourceID)
	require.Equal(t, "res_b", hits[2].ResourceID)
}

func TestSearchTopKAndFilter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Insert(ctx, domain.ModalityText, 128, []InsertRow{
		{ResourceID: "res_a", Vector: vec(128, 1)},
		{ResourceID: "res_b", Vector: vec(128, 0.9, 0.1)},
		{ResourceID: "res_c", Vector: vec(128, 0.5, 0.5)},
	})
	require.NoError(t, err)

	hits, err := s.Search(ctx, domain.ModalityText, 128, vec(128, 1), 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	hits, err = s.Search(ctx, domain.ModalityText, 128, vec(128, 1), 10, &Filter{
		ResourceIDs: []string{"res_c"},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "res_c", hits[0].ResourceID)
}

func TestSearchMissingTableReturnsNoHits(t *testing.T) {
	s := NewMemoryStore()
	hits, err := s.Search(context.Background(), domain.ModalityMultimodal, 512, vec(512, 1), 5, nil)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestDeleteByResourceAndRows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rowIDs, err := s.Insert(ctx, domain.ModalityText, 128, []InsertRow{
		{ResourceID: "res_a", Vector: vec(128, 1)},
		{ResourceID: "res_a", Vector: vec(128, 0, 1)},
		{ResourceID: "res_b", Vector: vec(128, 1, 1)},
	})
	require.NoError(t, err)
	require.Len(t, rowIDs, 3)
	require.Equal(t, 3, s.RowCount(domain.ModalityText, 128))

	require.NoError(t, s.DeleteByResource(ctx, domain.ModalityText, 128, "res_a"))
	require.Equal(t, 1, s.RowCount(domain.ModalityText, 128))

	require.NoError(t, s.DeleteRows(ctx, domain.ModalityText, 128, []string{rowIDs[2]}))
	require.Zero(t, s.RowCount(domain.ModalityText, 128))
}

func TestDropTable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Insert(ctx, domain.ModalityText, 128, []InsertRow{
		{ResourceID: "res_a", Vector: vec(128, 1)},
	})
	require.NoError(t, err)

	require.NoError(t, s.DropTable(ctx, domain.ModalityText, 128))
	require.Zero(t, s.RowCount(domain.ModalityText, 128))

	// dropping again is a no-op
	require.NoError(t, s.DropTable(ctx, domain.ModalityText, 128))
}

func TestTablesPerModalityAreIndependent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Insert(ctx, domain.ModalityText, 128, []InsertRow{
		{ResourceID: "res_a", Vector: vec(128, 1)},
	})
	require.NoError(t, err)
	_, err = s.Insert(ctx, domain.ModalityMultimodal, 128, []InsertRow{
		{ResourceID: "res_a", Vector: vec(128, 1)},
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteByResource(ctx, domain.ModalityText, 128, "res_a"))
	require.Equal(t, 1, s.RowCount(domain.ModalityMultimodal, 128))
}

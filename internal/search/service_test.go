package search

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yuelin/studydesk/internal/catalog"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/executor"
	"github.com/yuelin/studydesk/internal/index"
	"github.com/yuelin/studydesk/internal/logger"
	"github.com/yuelin/studydesk/internal/vectorstore"
)

// fakeEmbedder returns canned vectors keyed by input text; unseen text maps to
// the zero vector so it never matches anything.
type fakeEmbedder struct {
	dim  int
	vecs map[string][]float32
}

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return f.vector(query), nil
}

func (f *fakeEmbedder) EmbedImage(ctx context.Context, imageData []byte, format string) ([]float32, error) {
	return f.vector(string(imageData)), nil
}

func (f *fakeEmbedder) Dimensions() int  { return f.dim }
func (f *fakeEmbedder) Model() string    { return "fake-embed" }
func (f *fakeEmbedder) Multimodal() bool { return true }

func (f *fakeEmbedder) vector(text string) []float32 {
	v := make([]float32, f.dim)
	if known, ok := f.vecs[text]; ok {
		copy(v, known)
	}
	return v
}

type searchFixture struct {
	db      *gorm.DB
	svc     *Service
	vectors *vectorstore.MemoryStore
	index   *index.Service
}

func newSearchFixture(t *testing.T, cfg Config) *searchFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Resource{}, &domain.Folder{}, &domain.FolderItem{},
		&domain.IndexUnit{}, &domain.IndexSegment{}, &domain.EmbeddingDim{},
	))

	log := logger.New(&logger.Config{Level: "error"})
	vectors := vectorstore.NewMemoryStore()
	idx := index.NewService(db, vectors, index.NewBuilderRegistry(), log)

	embedder := &fakeEmbedder{dim: 128, vecs: map[string][]float32{
		"calculus":    {1, 0, 0},
		"derivatives": {0.9, 0.1, 0},
		"history":     {0, 0, 1},
	}}
	_, err = idx.RegisterDimension(context.Background(), 128, domain.ModalityText, "fake", embedder.Model())
	require.NoError(t, err)

	svc := NewService(
		catalog.NewResourceRepo(db),
		catalog.NewFolderRepo(db),
		idx, vectors,
		map[domain.Modality]executor.Embedder{domain.ModalityText: embedder},
		cfg, log,
	)
	return &searchFixture{db: db, svc: svc, vectors: vectors, index: idx}
}

func (f *searchFixture) addResource(t *testing.T, title, content string, resourceType domain.ResourceType) *domain.Resource {
	t.Helper()
	res := &domain.Resource{
		ID:           domain.NewID(domain.PrefixResource),
		ResourceType: resourceType,
		Title:        title,
		Payload:      domain.JSONMap{domain.PayloadContent: content},
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, f.db.Create(res).Error)
	return res
}

func (f *searchFixture) addVector(t *testing.T, res *domain.Resource, text string, vector []float32) {
	t.Helper()
	v := make([]float32, 128)
	copy(v, vector)
	_, err := f.vectors.Insert(context.Background(), domain.ModalityText, 128, []vectorstore.InsertRow{
		{ResourceID: res.ID, Text: text, Vector: v},
	})
	require.NoError(t, err)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	f := newSearchFixture(t, Config{})
	_, err := f.svc.Search(context.Background(), "", nil)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestSearchMergesVectorAndFulltext(t *testing.T) {
	f := newSearchFixture(t, Config{RelativeThreshold: 0.01, AbsoluteFloor: 0})
	ctx := context.Background()

	both := f.addResource(t, "calculus notes", "calculus chain rule", domain.ResourceNote)
	f.addVector(t, both, "calculus chain rule", []float32{1, 0, 0})

	vectorOnly := f.addResource(t, "untitled", "nothing lexical here", domain.ResourceNote)
	f.addVector(t, vectorOnly, "related vector", []float32{0.9, 0.1, 0})

	results, err := f.svc.Search(ctx, "calculus", &Options{TopK: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Both engines hit the first resource: vector 1.0, fulltext 1.0, merged 1.0.
	require.Equal(t, both.ID, results[0].ResourceID)
	require.InDelta(t, 1.0, results[0].Score, 1e-6)
	require.Equal(t, "calculus chain rule", results[0].Snippet)

	require.Equal(t, vectorOnly.ID, results[1].ResourceID)
	require.Less(t, results[1].Score, results[0].Score)
}

func TestSearchExcludesDeletedResources(t *testing.T) {
	f := newSearchFixture(t, Config{RelativeThreshold: 0.01, AbsoluteFloor: 0})
	ctx := context.Background()

	res := f.addResource(t, "calculus", "calculus", domain.ResourceNote)
	f.addVector(t, res, "calculus", []float32{1, 0, 0})

	now := time.Now()
	require.NoError(t, f.db.Model(&domain.Resource{}).
		Where("id = ?", res.ID).Update("deleted_at", &now).Error)

	results, err := f.svc.Search(ctx, "calculus", nil)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestSearchFiltersByResourceType(t *testing.T) {
	f := newSearchFixture(t, Config{RelativeThreshold: 0.01, AbsoluteFloor: 0})
	ctx := context.Background()

	note := f.addResource(t, "calculus note", "calculus", domain.ResourceNote)
	essay := f.addResource(t, "calculus essay", "calculus", domain.ResourceEssay)
	f.addVector(t, note, "calculus", []float32{1, 0, 0})
	f.addVector(t, essay, "calculus", []float32{1, 0, 0})

	results, err := f.svc.Search(ctx, "calculus", &Options{
		ResourceTypes: []domain.ResourceType{domain.ResourceEssay},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, essay.ID, results[0].ResourceID)
}

func TestSearchRelativeThresholdDropsWeakHits(t *testing.T) {
	f := newSearchFixture(t, Config{RelativeThreshold: 0.6, AbsoluteFloor: 0})
	ctx := context.Background()

	strong := f.addResource(t, "strong", "x", domain.ResourceNote)
	weak := f.addResource(t, "weak", "y", domain.ResourceNote)
	f.addVector(t, strong, "aligned", []float32{1, 0, 0})
	f.addVector(t, weak, "barely related", []float32{0.1, 1, 0})

	results, err := f.svc.Search(ctx, "calculus", &Options{TopK: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, strong.ID, results[0].ResourceID)
}

func TestSearchAbsoluteFloor(t *testing.T) {
	f := newSearchFixture(t, Config{RelativeThreshold: 0.01, AbsoluteFloor: 0.5})
	ctx := context.Background()

	weak := f.addResource(t, "weak", "y", domain.ResourceNote)
	f.addVector(t, weak, "off topic", []float32{0.1, 1, 0})

	results, err := f.svc.Search(ctx, "calculus", nil)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestSearchFolderScoping(t *testing.T) {
	f := newSearchFixture(t, Config{RelativeThreshold: 0.01, AbsoluteFloor: 0})
	ctx := context.Background()

	folders := catalog.NewFolderRepo(f.db)
	folder, err := folders.Create(ctx, nil, "math")
	require.NoError(t, err)

	inFolder := f.addResource(t, "in folder", "calculus", domain.ResourceNote)
	outside := f.addResource(t, "outside", "calculus", domain.ResourceNote)
	require.NoError(t, folders.PlaceItem(ctx, folder.ID, domain.ResourceNote, inFolder.ID))
	f.addVector(t, inFolder, "calculus", []float32{1, 0, 0})
	f.addVector(t, outside, "calculus", []float32{1, 0, 0})

	results, err := f.svc.Search(ctx, "calculus", &Options{
		FolderIDs: []string{folder.ID},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, inFolder.ID, results[0].ResourceID)
}

func TestSearchTopKTruncates(t *testing.T) {
	f := newSearchFixture(t, Config{RelativeThreshold: 0.01, AbsoluteFloor: 0})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res := f.addResource(t, "calculus", "calculus", domain.ResourceNote)
		f.addVector(t, res, "calculus", []float32{1, 0, 0})
	}

	results, err := f.svc.Search(ctx, "calculus", &Options{TopK: 3})
	require.NoError(t, err)
	require.Len(t, results, 3)
}

package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yuelin/studydesk/internal/blobstore"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
)

func newTestService(t *testing.T) (*Service, *blobstore.Store) {
	t.Helper()
	dir := t.TempDir()
	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Blob{}, &domain.Resource{}, &domain.Folder{}, &domain.FolderItem{},
	))

	log := logger.New(&logger.Config{Level: "error"})
	blobs := blobstore.New(db, filepath.Join(dir, "blobs"), log)
	svc := NewService(NewResourceRepo(db), NewFolderRepo(db), blobs, log)
	return svc, blobs
}

func TestCreateNoteAndGet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.CreateNote(ctx, "Calculus review", "derivatives and limits", []string{"math"})
	require.NoError(t, err)
	require.Equal(t, domain.ResourceNote, res.ResourceType)
	require.True(t, domain.ValidateID(res.ID, domain.PrefixResource) == nil)

	got, err := svc.Resources().GetVisible(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, "derivatives and limits", got.Payload[domain.PayloadContent])
}

func TestCreateImageRequiresBlob(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateImage(context.Background(), "diagram", "", "", nil)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestSoftDeleteRestorePurge(t *testing.T) {
	svc, blobs := newTestService(t)
	ctx := context.Background()

	blob, err := blobs.Store(ctx, []byte("image bytes"), "image/png", "png")
	require.NoError(t, err)

	res, err := svc.CreateImage(ctx, "diagram", blob.Hash, "ocr text", nil)
	require.NoError(t, err)

	deleted, err := svc.Delete(ctx, res.ID)
	require.NoError(t, err)
	require.True(t, deleted.Deleted())

	// invisible while in the recycle bin
	_, err = svc.Resources().GetVisible(ctx, res.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, svc.Restore(ctx, res.ID))
	restored, err := svc.Resources().GetVisible(ctx, res.ID)
	require.NoError(t, err)
	require.False(t, restored.Deleted())

	// purge drops the row and releases the blob reference
	require.NoError(t, svc.Purge(ctx, res.ID))
	_, err = svc.Resources().Get(ctx, res.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = blobs.Get(ctx, blob.Hash)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegisterRetrievalDedupesByContentHash(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	src := &RetrievalSource{Kind: "web", Title: "Go blog", URL: "https://go.dev/blog", Snippet: "generics"}
	first, err := svc.RegisterRetrieval(ctx, src)
	require.NoError(t, err)

	second, err := svc.RegisterRetrieval(ctx, src)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	// a different snippet is a different snapshot
	other, err := svc.RegisterRetrieval(ctx, &RetrievalSource{Kind: "web", URL: "https://go.dev/blog", Snippet: "iterators"})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
	require.Equal(t, "Retrieved source", other.Title)
}

func TestCleanupUnreferencedPurgesZeroRefRetrievals(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.RegisterRetrieval(ctx, &RetrievalSource{Kind: "rag", Snippet: "stale"})
	require.NoError(t, err)

	kept, err := svc.RegisterRetrieval(ctx, &RetrievalSource{Kind: "rag", Snippet: "still used"})
	require.NoError(t, err)
	_, err = svc.Resources().IncrementRef(ctx, kept.ID)
	require.NoError(t, err)

	purged, err := svc.CleanupUnreferenced(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	_, err = svc.Resources().Get(ctx, res.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.Resources().Get(ctx, kept.ID)
	require.NoError(t, err)
}

func TestFullTextSearchMatchesTitleAndPayload(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateNote(ctx, "Linear algebra", "matrix multiplication rules", nil)
	require.NoError(t, err)
	_, err = svc.CreateNote(ctx, "History", "the french revolution", nil)
	require.NoError(t, err)

	scores, err := svc.Resources().FullTextSearch(ctx, "matrix", nil, 10)
	require.NoError(t, err)
	require.Len(t, scores, 1)
}

func TestFolderSiblingTitlesUnique(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	folders := svc.Folders()

	root, err := folders.Create(ctx, nil, "Semester 1")
	require.NoError(t, err)

	_, err = folders.Create(ctx, nil, "Semester 1")
	require.ErrorIs(t, err, domain.ErrValidation)

	// same title under a different parent is fine
	_, err = folders.Create(ctx, &root.ID, "Semester 1")
	require.NoError(t, err)
}

func TestFolderMoveRejectsCycles(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	folders := svc.Folders()

	a, err := folders.Create(ctx, nil, "a")
	require.NoError(t, err)
	b, err := folders.Create(ctx, &a.ID, "b")
	require.NoError(t, err)

	err = folders.Move(ctx, a.ID, &b.ID)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestPlaceItemMovesBetweenFolders(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	folders := svc.Folders()

	f1, err := folders.Create(ctx, nil, "math")
	require.NoError(t, err)
	f2, err := folders.Create(ctx, nil, "physics")
	require.NoError(t, err)

	note, err := svc.CreateNote(ctx, "note", "content", nil)
	require.NoError(t, err)

	require.NoError(t, folders.PlaceItem(ctx, f1.ID, domain.ResourceNote, note.ID))
	require.NoError(t, folders.PlaceItem(ctx, f2.ID, domain.ResourceNote, note.ID))

	items1, err := folders.ListFolderItems(ctx, f1.ID, false)
	require.NoError(t, err)
	require.Empty(t, items1)

	items2, err := folders.ListFolderItems(ctx, f2.ID, false)
	require.NoError(t, err)
	require.Len(t, items2, 1)
	require.Equal(t, note.ID, items2[0].ID)
}

func TestListUnassignedExcludesPlaced(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	folders := svc.Folders()

	placed, err := svc.CreateNote(ctx, "placed", "x", nil)
	require.NoError(t, err)
	loose, err := svc.CreateNote(ctx, "loose", "y", nil)
	require.NoError(t, err)

	f, err := folders.Create(ctx, nil, "stuff")
	require.NoError(t, err)
	require.NoError(t, folders.PlaceItem(ctx, f.ID, domain.ResourceNote, placed.ID))

	unassigned, err := folders.ListUnassigned(ctx, domain.ResourceNote, 10, 0)
	require.NoError(t, err)
	require.Len(t, unassigned, 1)
	require.Equal(t, loose.ID, unassigned[0].ID)
}

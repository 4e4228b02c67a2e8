package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Blob{}))
	return New(db, filepath.Join(dir, "blobs"), logger.New(&logger.Config{Level: "error"}))
}

func TestStoreDeduplicatesByHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Store(ctx, []byte("hello"), "text/plain", "txt")
	require.NoError(t, err)
	require.Equal(t, int64(1), first.RefCount)

	second, err := s.Store(ctx, []byte("hello"), "text/plain", "txt")
	require.NoError(t, err)
	require.Equal(t, first.Hash, second.Hash)
	require.Equal(t, int64(2), second.RefCount)

	var count int64
	require.NoError(t, s.db.Model(&domain.Blob{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	// one file on disk
	data, err := os.ReadFile(s.AbsolutePath(first))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
}

func TestStoreRejectsEmptyContent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Store(context.Background(), nil, "text/plain", "txt")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRefCountingClampsAtZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	blob, err := s.Store(ctx, []byte("content"), "text/plain", "txt")
	require.NoError(t, err)

	n, err := s.IncrementRef(ctx, blob.Hash)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = s.DecrementRef(ctx, blob.Hash)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// reaches zero: row and file removed
	n, err = s.DecrementRef(ctx, blob.Hash)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	_, err = s.Get(ctx, blob.Hash)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, statErr := os.Stat(s.AbsolutePath(blob))
	require.True(t, os.IsNotExist(statErr))
}

func TestDecrementMissingBlob(t *testing.T) {
	s := newTestStore(t)
	_, err := s.DecrementRef(context.Background(), "deadbeef")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCleanupUnreferencedSweepsZeroRefRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	blob, err := s.Store(ctx, []byte("sweep me"), "text/plain", "txt")
	require.NoError(t, err)

	// Simulate a failed cleanup: ref_count dropped to zero but the row stayed.
	require.NoError(t, s.db.Model(&domain.Blob{}).
		Where("hash = ?", blob.Hash).
		Update("ref_count", 0).Error)

	removed, err := s.CleanupUnreferenced(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = s.Get(ctx, blob.Hash)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOpenReturnsContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	blob, err := s.Store(ctx, []byte("payload"), "application/octet-stream", "")
	require.NoError(t, err)
	require.Equal(t, "bin", filepath.Ext(blob.RelativePath)[1:])

	r, err := s.Open(ctx, blob.Hash)
	require.NoError(t, err)
	defer r.Close()
	buf := make([]byte, 7)
	_, err = r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), buf)
}

package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
	"github.com/yuelin/studydesk/internal/storage"
	"gorm.io/gorm"
)

// Store is the content-addressed blob store: a blobs table plus files under
// dir/{hash[:2]}/{hash}.{ext}. Writes are crash-atomic (temp file + rename)
// and ref counting goes through single UPDATE ... RETURNING statements so no
// read-modify-write happens outside the database.
type Store struct {
	db     *gorm.DB
	dir    string
	logger *logger.Logger
	mirror storage.ObjectStorage // optional, best-effort
}

// New creates a blob store rooted at dir.
func New(db *gorm.DB, dir string, log *logger.Logger) *Store {
	return &Store{db: db, dir: dir, logger: log}
}

// SetMirror attaches an optional object-storage mirror. Uploads are
// best-effort and never block or fail the local write.
func (s *Store) SetMirror(m storage.ObjectStorage) {
	s.mirror = m
}

func (s *Store) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// Store writes content to the blob directory and upserts the catalog row.
// Duplicate content is deduplicated by hash; each call counts as one logical
// reference, so ref_count ends up equal to the number of Store calls plus
// explicit increments minus decrements.
func (s *Store) Store(ctx context.Context, data []byte, mimeType, ext string) (*domain.Blob, error) {
	if len(data) == 0 {
		return nil, domain.Validationf("blob content is empty")
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = "bin"
	}
	relPath := filepath.Join(hash[:2], hash+"."+ext)

	if err := s.writeFile(relPath, data); err != nil {
		return nil, err
	}

	var refCount int64
	var createdAt time.Time
	row := s.db.WithContext(ctx).Raw(
		`INSERT INTO blobs (hash, relative_path, size, mime_type, ref_count, created_at)
		 VALUES (?, ?, ?, ?, 1, ?)
		 ON CONFLICT(hash) DO UPDATE SET ref_count = ref_count + 1
		 RETURNING ref_count, created_at`,
		hash, relPath, int64(len(data)), mimeType, time.Now(),
	).Row()
	if err := row.Scan(&refCount, &createdAt); err != nil {
		return nil, domain.WrapDatabase(err, "store blob")
	}

	blob := &domain.Blob{
		Hash:         hash,
		RelativePath: relPath,
		Size:         int64(len(data)),
		MimeType:     mimeType,
		RefCount:     refCount,
		CreatedAt:    createdAt,
	}

	if s.mirror != nil {
		go s.mirrorUpload(relPath, data, mimeType)
	}

	return blob, nil
}

// writeFile persists data at dir/relPath atomically. An existing file with
// the expected length is left alone.
func (s *Store) writeFile(relPath string, data []byte) error {
	finalPath := filepath.Join(s.dir, relPath)

	if info, err := os.Stat(finalPath); err == nil && info.Size() == int64(len(data)) {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return domain.WrapIo(err, "create blob directory")
	}

	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return domain.WrapIo(err, "write blob temp file")
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return domain.WrapIo(err, "rename blob file")
	}
	return nil
}

func (s *Store) mirrorUpload(relPath string, data []byte, mimeType string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	key := filepath.ToSlash(relPath)
	if err := s.mirror.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), mimeType); err != nil {
		s.logger.WithField("key", key).WithError(err).Warn("Blob mirror upload failed")
	}
}

// Get returns the blob row for hash.
func (s *Store) Get(ctx context.Context, hash string) (*domain.Blob, error) {
	var blob domain.Blob
	if err := s.db.WithContext(ctx).First(&blob, "hash = ?", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NotFoundf("blob", hash)
		}
		return nil, domain.WrapDatabase(err, "get blob")
	}
	return &blob, nil
}

// Open returns a reader over the blob's file content.
func (s *Store) Open(ctx context.Context, hash string) (io.ReadCloser, error) {
	blob, err := s.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, blob.RelativePath))
	if err != nil {
		return nil, domain.WrapIo(err, "open blob file")
	}
	return f, nil
}

// AbsolutePath returns the on-disk path for a blob row.
func (s *Store) AbsolutePath(blob *domain.Blob) string {
	return filepath.Join(s.dir, blob.RelativePath)
}

// IncrementRef bumps the reference count and returns the new value.
func (s *Store) IncrementRef(ctx context.Context, hash string) (int64, error) {
	var refCount int64
	row := s.db.WithContext(ctx).Raw(
		`UPDATE blobs SET ref_count = ref_count + 1 WHERE hash = ? RETURNING ref_count`,
		hash,
	).Row()
	if err := row.Scan(&refCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.NotFoundf("blob", hash)
		}
		return 0, domain.WrapDatabase(err, "increment blob ref")
	}
	return refCount, nil
}

// DecrementRef lowers the reference count, clamping at zero. When the count
// reaches zero the file and row are removed best-effort; a failed cleanup is
// logged and retried by the next sweep.
func (s *Store) DecrementRef(ctx context.Context, hash string) (int64, error) {
	var refCount int64
	row := s.db.WithContext(ctx).Raw(
		`UPDATE blobs
		 SET ref_count = CASE WHEN ref_count > 0 THEN ref_count - 1 ELSE 0 END
		 WHERE hash = ?
		 RETURNING ref_count`,
		hash,
	).Row()
	if err := row.Scan(&refCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.NotFoundf("blob", hash)
		}
		return 0, domain.WrapDatabase(err, "decrement blob ref")
	}

	if refCount == 0 {
		if err := s.removeBlob(ctx, hash); err != nil {
			s.log(ctx).WithField("hash", hash).WithError(err).Warn("Blob cleanup failed, will retry on next sweep")
		}
	}
	return refCount, nil
}

// CleanupUnreferenced sweeps rows whose ref_count reached zero, deleting the
// file first and the row after. Returns the number of blobs removed.
func (s *Store) CleanupUnreferenced(ctx context.Context) (int, error) {
	var blobs []domain.Blob
	if err := s.db.WithContext(ctx).Where("ref_count = 0").Find(&blobs).Error; err != nil {
		return 0, domain.WrapDatabase(err, "list unreferenced blobs")
	}

	removed := 0
	for i := range blobs {
		if err := s.removeBlob(ctx, blobs[i].Hash); err != nil {
			s.log(ctx).WithField("hash", blobs[i].Hash).WithError(err).Warn("Failed to remove unreferenced blob")
			continue
		}
		removed++
	}
	return removed, nil
}

// removeBlob deletes the file then the row, guarded so a concurrent
// re-reference keeps the row alive.
func (s *Store) removeBlob(ctx context.Context, hash string) error {
	var blob domain.Blob
	if err := s.db.WithContext(ctx).First(&blob, "hash = ? AND ref_count = 0", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return domain.WrapDatabase(err, "load blob for cleanup")
	}

	path := filepath.Join(s.dir, blob.RelativePath)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return domain.WrapIo(err, "remove blob file")
	}

	res := s.db.WithContext(ctx).Where("hash = ? AND ref_count = 0", hash).Delete(&domain.Blob{})
	if res.Error != nil {
		return domain.WrapDatabase(res.Error, "delete blob row")
	}
	return nil
}

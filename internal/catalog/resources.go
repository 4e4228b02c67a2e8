package catalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/yuelin/studydesk/internal/domain"
	"gorm.io/gorm"
)

// ResourceRepo handles catalog rows for every resource kind.
type ResourceRepo struct {
	db *gorm.DB
}

// NewResourceRepo creates a resource repository bound to db.
func NewResourceRepo(db *gorm.DB) *ResourceRepo {
	return &ResourceRepo{db: db}
}

// DB exposes the underlying handle for cross-repo transactions.
func (r *ResourceRepo) DB() *gorm.DB {
	return r.db
}

// CreateInput carries the fields shared by all resource kinds.
type CreateInput struct {
	ResourceType domain.ResourceType
	Title        string
	Tags         []string
	Payload      domain.JSONMap
	BlobHash     string
	ContentHash  string
}

// Create inserts a new catalog row and returns it.
func (r *ResourceRepo) Create(ctx context.Context, in *CreateInput) (*domain.Resource, error) {
	if !in.ResourceType.Valid() {
		return nil, domain.Validationf("unknown resource type %q", in.ResourceType)
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, domain.Validationf("resource title is empty")
	}

	now := time.Now()
	res := &domain.Resource{
		ID:           domain.NewID(domain.PrefixResource),
		ResourceType: in.ResourceType,
		Title:        in.Title,
		Tags:         in.Tags,
		Payload:      in.Payload,
		BlobHash:     in.BlobHash,
		ContentHash:  in.ContentHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if res.Payload == nil {
		res.Payload = domain.JSONMap{}
	}
	if err := r.db.WithContext(ctx).Create(res).Error; err != nil {
		return nil, domain.WrapDatabase(err, "create resource")
	}
	return res, nil
}

// Get retrieves a resource by ID. Soft-deleted rows are returned too; use
// resource.Deleted() when visibility matters.
func (r *ResourceRepo) Get(ctx context.Context, id string) (*domain.Resource, error) {
	var res domain.Resource
	if err := r.db.WithContext(ctx).First(&res, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NotFoundf("resource", id)
		}
		return nil, domain.WrapDatabase(err, "get resource")
	}
	return &res, nil
}

// GetVisible retrieves a resource that is not in the recycle bin.
func (r *ResourceRepo) GetVisible(ctx context.Context, id string) (*domain.Resource, error) {
	res, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.Deleted() {
		return nil, domain.NotFoundf("resource", id)
	}
	return res, nil
}

// ListOptions filters and paginates catalog listings.
type ListOptions struct {
	ResourceTypes  []domain.ResourceType
	Search         string // LIKE match on title
	Tags           []string
	IncludeDeleted bool
	OnlyDeleted    bool // recycle-bin view
	Limit          int
	Offset         int
}

// List retrieves catalog rows ordered by updated_at descending.
func (r *ResourceRepo) List(ctx context.Context, opts *ListOptions) ([]domain.Resource, int64, error) {
	if opts == nil {
		opts = &ListOptions{}
	}
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := r.db.WithContext(ctx).Model(&domain.Resource{})
	switch {
	case opts.OnlyDeleted:
		query = query.Where("deleted_at IS NOT NULL")
	case !opts.IncludeDeleted:
		query = query.Where("deleted_at IS NULL")
	}
	if len(opts.ResourceTypes) > 0 {
		query = query.Where("resource_type IN ?", opts.ResourceTypes)
	}
	if s := strings.TrimSpace(opts.Search); s != "" {
		query = query.Where("title LIKE ?", "%"+s+"%")
	}
	for _, tag := range opts.Tags {
		query = query.Where("tags LIKE ?", "%\""+tag+"\"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, domain.WrapDatabase(err, "count resources")
	}

	var resources []domain.Resource
	if err := query.
		Order("updated_at DESC").
		Limit(limit).
		Offset(opts.Offset).
		Find(&resources).Error; err != nil {
		return nil, 0, domain.WrapDatabase(err, "list resources")
	}
	return resources, total, nil
}

// Update persists title/tags/payload changes and bumps updated_at.
func (r *ResourceRepo) Update(ctx context.Context, res *domain.Resource) error {
	res.UpdatedAt = time.Now()
	if err := r.db.WithContext(ctx).Save(res).Error; err != nil {
		return domain.WrapDatabase(err, "update resource")
	}
	return nil
}

// SoftDelete moves a resource to the recycle bin: sets deleted_at and removes
// folder placements. The prior state is returned for undo.
func (r *ResourceRepo) SoftDelete(ctx context.Context, id string) (*domain.Resource, error) {
	prior, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if prior.Deleted() {
		return prior, nil
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		if err := tx.Model(&domain.Resource{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{"deleted_at": now, "updated_at": now}).Error; err != nil {
			return err
		}
		return tx.Where("item_id = ?", id).Delete(&domain.FolderItem{}).Error
	})
	if err != nil {
		return nil, domain.WrapDatabase(err, "soft delete resource")
	}
	return prior, nil
}

// Restore clears deleted_at. The folder placement is not reinserted; the
// restored item lands in the unassigned view.
func (r *ResourceRepo) Restore(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&domain.Resource{}).
		Where("id = ? AND deleted_at IS NOT NULL", id).
		Updates(map[string]interface{}{"deleted_at": nil, "updated_at": time.Now()})
	if res.Error != nil {
		return domain.WrapDatabase(res.Error, "restore resource")
	}
	if res.RowsAffected == 0 {
		return domain.NotFoundf("resource", id)
	}
	return nil
}

// Purge hard-deletes a catalog row and returns the blob hash the caller must
// release (empty when the resource owned no blob).
func (r *ResourceRepo) Purge(ctx context.Context, id string) (blobHash string, err error) {
	res, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("item_id = ?", id).Delete(&domain.FolderItem{}).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.Resource{}, "id = ?", id).Error
	})
	if err != nil {
		return "", domain.WrapDatabase(err, "purge resource")
	}
	return res.BlobHash, nil
}

// IncrementRef bumps a retrieval resource's reference count atomically.
func (r *ResourceRepo) IncrementRef(ctx context.Context, id string) (int64, error) {
	var refCount int64
	row := r.db.WithContext(ctx).Raw(
		`UPDATE resources SET ref_count = ref_count + 1 WHERE id = ? RETURNING ref_count`,
		id,
	).Row()
	if err := row.Scan(&refCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.NotFoundf("resource", id)
		}
		return 0, domain.WrapDatabase(err, "increment resource ref")
	}
	return refCount, nil
}

// DecrementRef lowers a retrieval resource's reference count, clamping at zero.
func (r *ResourceRepo) DecrementRef(ctx context.Context, id string) (int64, error) {
	var refCount int64
	row := r.db.WithContext(ctx).Raw(
		`UPDATE resources
		 SET ref_count = CASE WHEN ref_count > 0 THEN ref_count - 1 ELSE 0 END
		 WHERE id = ?
		 RETURNING ref_count`,
		id,
	).Row()
	if err := row.Scan(&refCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.NotFoundf("resource", id)
		}
		return 0, domain.WrapDatabase(err, "decrement resource ref")
	}
	return refCount, nil
}

// ListUnreferencedRetrievals returns retrieval snapshots whose ref_count is
// zero, candidates for the cleanup sweep.
func (r *ResourceRepo) ListUnreferencedRetrievals(ctx context.Context, limit int) ([]domain.Resource, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []domain.Resource
	if err := r.db.WithContext(ctx).
		Where("resource_type = ? AND ref_count = 0", domain.ResourceRetrieval).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, domain.WrapDatabase(err, "list unreferenced retrievals")
	}
	return rows, nil
}

// FindRetrievalByContentHash returns an existing retrieval snapshot with the
// same content hash, the dedupe path for retrieval registration.
func (r *ResourceRepo) FindRetrievalByContentHash(ctx context.Context, contentHash string) (*domain.Resource, error) {
	var res domain.Resource
	err := r.db.WithContext(ctx).
		Where("resource_type = ? AND content_hash = ? AND deleted_at IS NULL",
			domain.ResourceRetrieval, contentHash).
		First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NotFoundf("retrieval resource", contentHash)
		}
		return nil, domain.WrapDatabase(err, "find retrieval by hash")
	}
	return &res, nil
}

// FullTextSearch is the lexical half of hybrid search: a LIKE scan over
// titles and text payload fields of visible resources. Scores are crude
// match counts normalized to (0, 1].
func (r *ResourceRepo) FullTextSearch(ctx context.Context, query string, types []domain.ResourceType, limit int) (map[string]float64, error) {
	terms := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	if len(terms) == 0 {
		return map[string]float64{}, nil
	}
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).Model(&domain.Resource{}).
		Where("deleted_at IS NULL")
	if len(types) > 0 {
		q = q.Where("resource_type IN ?", types)
	}
	clauses := q
	for _, term := range terms {
		clauses = clauses.Where("(LOWER(title) LIKE ? OR LOWER(payload) LIKE ?)",
			"%"+term+"%", "%"+term+"%")
	}

	var rows []domain.Resource
	if err := clauses.Limit(limit).Find(&rows).Error; err != nil {
		return nil, domain.WrapDatabase(err, "fulltext search")
	}

	scores := make(map[string]float64, len(rows))
	for i := range rows {
		hay := strings.ToLower(rows[i].Title)
		if body, ok := rows[i].Payload[domain.PayloadContent].(string); ok {
			hay += " " + strings.ToLower(body)
		}
		matches := 0
		for _, term := range terms {
			if strings.Contains(hay, term) {
				matches++
			}
		}
		scores[rows[i].ID] = float64(matches) / float64(len(terms))
	}
	return scores, nil
}

// ContentHash hashes an arbitrary string payload for dedupe keys.
func ContentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

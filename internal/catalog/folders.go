package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/yuelin/studydesk/internal/domain"
	"gorm.io/gorm"
)

// Folder ID prefix; folders live outside the resource catalog proper.
const folderPrefix = "fld_"

// MaxFolderDepth bounds recursive listings and move validation.
const MaxFolderDepth = 16

// FolderRepo manages the folder tree and item placements.
type FolderRepo struct {
	db *gorm.DB
}

// NewFolderRepo creates a folder repository bound to db.
func NewFolderRepo(db *gorm.DB) *FolderRepo {
	return &FolderRepo{db: db}
}

// Create inserts a folder under parentID (nil for root). Sibling titles must
// be unique per parent.
func (r *FolderRepo) Create(ctx context.Context, parentID *string, title string) (*domain.Folder, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domain.Validationf("folder title is empty")
	}
	if parentID != nil {
		if _, err := r.Get(ctx, *parentID); err != nil {
			return nil, err
		}
	}
	taken, err := r.siblingTitleTaken(ctx, parentID, title, "")
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, domain.Validationf("folder title %q already exists in parent", title)
	}

	now := time.Now()
	folder := &domain.Folder{
		ID:        domain.NewID(folderPrefix),
		ParentID:  parentID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(folder).Error; err != nil {
		return nil, domain.WrapDatabase(err, "create folder")
	}
	return folder, nil
}

// Get retrieves a folder by ID.
func (r *FolderRepo) Get(ctx context.Context, id string) (*domain.Folder, error) {
	var folder domain.Folder
	if err := r.db.WithContext(ctx).First(&folder, "id = ? AND deleted_at IS NULL", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NotFoundf("folder", id)
		}
		return nil, domain.WrapDatabase(err, "get folder")
	}
	return &folder, nil
}

// Rename changes a folder title, keeping sibling uniqueness.
func (r *FolderRepo) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Validationf("folder title is empty")
	}
	folder, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	taken, err := r.siblingTitleTaken(ctx, folder.ParentID, title, id)
	if err != nil {
		return err
	}
	if taken {
		return domain.Validationf("folder title %q already exists in parent", title)
	}
	return r.db.WithContext(ctx).Model(&domain.Folder{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"title": title, "updated_at": time.Now()}).Error
}

// Move reparents a folder. Moving under a descendant would create a cycle and
// is rejected.
func (r *FolderRepo) Move(ctx context.Context, id string, newParentID *string) error {
	folder, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if newParentID != nil {
		if *newParentID == id {
			return domain.Validationf("cannot move folder into itself")
		}
		if _, err := r.Get(ctx, *newParentID); err != nil {
			return err
		}
		cyclic, err := r.isDescendant(ctx, id, *newParentID)
		if err != nil {
			return err
		}
		if cyclic {
			return domain.Validationf("cannot move folder into its own descendant")
		}
	}
	taken, err := r.siblingTitleTaken(ctx, newParentID, folder.Title, id)
	if err != nil {
		return err
	}
	if taken {
		return domain.Validationf("folder title %q already exists in target parent", folder.Title)
	}
	return r.db.WithContext(ctx).Model(&domain.Folder{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"parent_id": newParentID, "updated_at": time.Now()}).Error
}

// Delete removes a folder subtree and cascades folder_items removal. The
// resources themselves are not purged; they become unassigned.
func (r *FolderRepo) Delete(ctx context.Context, id string) error {
	ids, err := r.subtreeIDs(ctx, id)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return domain.NotFoundf("folder", id)
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("folder_id IN ?", ids).Delete(&domain.FolderItem{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&domain.Folder{}).Error
	})
	if err != nil {
		return domain.WrapDatabase(err, "delete folder")
	}
	return nil
}

// PlaceItem puts a resource into a folder, replacing any previous placement
// (a resource lives in at most one folder).
func (r *FolderRepo) PlaceItem(ctx context.Context, folderID string, itemType domain.ResourceType, itemID string) error {
	if _, err := r.Get(ctx, folderID); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("item_id = ?", itemID).Delete(&domain.FolderItem{}).Error; err != nil {
			return err
		}
		return tx.Create(&domain.FolderItem{
			FolderID:  folderID,
			ItemType:  itemType,
			ItemID:    itemID,
			CreatedAt: time.Now(),
		}).Error
	})
}

// RemoveItem clears a resource's folder placement.
func (r *FolderRepo) RemoveItem(ctx context.Context, itemID string) error {
	return r.db.WithContext(ctx).Where("item_id = ?", itemID).Delete(&domain.FolderItem{}).Error
}

// ListChildren returns direct child folders ordered by title.
func (r *FolderRepo) ListChildren(ctx context.Context, parentID *string) ([]domain.Folder, error) {
	var folders []domain.Folder
	q := r.db.WithContext(ctx).Where("deleted_at IS NULL")
	if parentID == nil {
		q = q.Where("parent_id IS NULL")
	} else {
		q = q.Where("parent_id = ?", *parentID)
	}
	if err := q.Order("title ASC").Find(&folders).Error; err != nil {
		return nil, domain.WrapDatabase(err, "list folders")
	}
	return folders, nil
}

// AnnotatedResource is a catalog row plus its folder path, the smart-folder
// listing shape.
type AnnotatedResource struct {
	domain.Resource
	FolderID   string `json:"folder_id,omitempty"`
	FolderPath string `json:"folder_path,omitempty"`
}

// ListFolderItems returns visible resources placed in folderID, annotated
// with the folder path.
func (r *FolderRepo) ListFolderItems(ctx context.Context, folderID string, recursive bool) ([]AnnotatedResource, error) {
	folderIDs := []string{folderID}
	if recursive {
		ids, err := r.subtreeIDs(ctx, folderID)
		if err != nil {
			return nil, err
		}
		folderIDs = ids
	}

	var rows []struct {
		domain.Resource
		FolderID string
	}
	err := r.db.WithContext(ctx).
		Table("resources").
		Select("resources.*, folder_items.folder_id AS folder_id").
		Joins("JOIN folder_items ON folder_items.item_id = resources.id").
		Where("folder_items.folder_id IN ? AND resources.deleted_at IS NULL", folderIDs).
		Order("resources.updated_at DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, domain.WrapDatabase(err, "list folder items")
	}

	out := make([]AnnotatedResource, 0, len(rows))
	for i := range rows {
		path, err := r.FolderPath(ctx, rows[i].FolderID)
		if err != nil {
			path = ""
		}
		out = append(out, AnnotatedResource{
			Resource:   rows[i].Resource,
			FolderID:   rows[i].FolderID,
			FolderPath: path,
		})
	}
	return out, nil
}

// ListUnassigned computes the virtual "unassigned" folder: visible resources
// of the given type with no folder placement.
func (r *FolderRepo) ListUnassigned(ctx context.Context, resourceType domain.ResourceType, limit, offset int) ([]domain.Resource, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []domain.Resource
	err := r.db.WithContext(ctx).
		Where("resource_type = ? AND deleted_at IS NULL", resourceType).
		Where("id NOT IN (?)", r.db.Model(&domain.FolderItem{}).Select("item_id")).
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, domain.WrapDatabase(err, "list unassigned resources")
	}
	return rows, nil
}

// FolderPath renders "/a/b/c" for a folder, walking up at most MaxFolderDepth.
func (r *FolderRepo) FolderPath(ctx context.Context, id string) (string, error) {
	parts := make([]string, 0, 4)
	current := id
	for depth := 0; depth < MaxFolderDepth; depth++ {
		folder, err := r.Get(ctx, current)
		if err != nil {
			return "", err
		}
		parts = append([]string{folder.Title}, parts...)
		if folder.ParentID == nil {
			break
		}
		current = *folder.ParentID
	}
	return "/" + strings.Join(parts, "/"), nil
}

// siblingTitleTaken checks unique-title-per-parent, excluding excludeID.
func (r *FolderRepo) siblingTitleTaken(ctx context.Context, parentID *string, title, excludeID string) (bool, error) {
	q := r.db.WithContext(ctx).Model(&domain.Folder{}).
		Where("title = ? AND deleted_at IS NULL", title)
	if parentID == nil {
		q = q.Where("parent_id IS NULL")
	} else {
		q = q.Where("parent_id = ?", *parentID)
	}
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, domain.WrapDatabase(err, "check sibling title")
	}
	return count > 0, nil
}

// isDescendant reports whether candidate sits in the subtree rooted at rootID.
func (r *FolderRepo) isDescendant(ctx context.Context, rootID, candidate string) (bool, error) {
	current := candidate
	for depth := 0; depth < MaxFolderDepth; depth++ {
		folder, err := r.Get(ctx, current)
		if err != nil {
			return false, err
		}
		if folder.ParentID == nil {
			return false, nil
		}
		if *folder.ParentID == rootID {
			return true, nil
		}
		current = *folder.ParentID
	}
	return false, domain.Validationf("folder tree deeper than %d levels", MaxFolderDepth)
}

// subtreeIDs collects the folder IDs in the subtree rooted at id (inclusive),
// breadth-first with a depth cap.
func (r *FolderRepo) subtreeIDs(ctx context.Context, id string) ([]string, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	ids := []string{id}
	frontier := []string{id}
	for depth := 0; depth < MaxFolderDepth && len(frontier) > 0; depth++ {
		var children []domain.Folder
		if err := r.db.WithContext(ctx).
			Where("parent_id IN ? AND deleted_at IS NULL", frontier).
			Find(&children).Error; err != nil {
			return nil, domain.WrapDatabase(err, "list subtree")
		}
		frontier = frontier[:0]
		for i := range children {
			ids = append(ids, children[i].ID)
			frontier = append(frontier, children[i].ID)
		}
	}
	return ids, nil
}

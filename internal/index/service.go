package index

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
	"github.com/yuelin/studydesk/internal/vectorstore"
)

// Service owns the unit and segment tables and the dimension registry. The
// segment table is the source of truth for which vectors exist; the vector
// store follows it.
type Service struct {
	db       *gorm.DB
	vectors  vectorstore.VectorStore
	builders *BuilderRegistry
	logger   *logger.Logger
}

// NewService creates the index service.
func NewService(db *gorm.DB, vectors vectorstore.VectorStore, builders *BuilderRegistry, log *logger.Logger) *Service {
	if builders == nil {
		builders = NewBuilderRegistry()
	}
	return &Service{db: db, vectors: vectors, builders: builders, logger: log}
}

// OrphanRow identifies one vector-store row whose segment no longer exists.
// The caller is contractually required to delete it from the vector store.
type OrphanRow struct {
	Modality     domain.Modality
	EmbeddingDim int
	RowID        string
}

// SyncResult reports what a unit sync changed.
type SyncResult struct {
	Created   int
	Updated   int
	Deleted   int
	Unchanged int
	Orphans   []OrphanRow
}

// SyncResourceUnits diffs the builder's desired units against the stored ones:
// inserts new, resets changed, deletes trailing. Idempotent; a second call on
// an unchanged resource reports no work and no orphans.
func (s *Service) SyncResourceUnits(ctx context.Context, res *domain.Resource) (*SyncResult, error) {
	if res == nil {
		return nil, domain.Validationf("resource is nil")
	}
	desired, err := s.builders.Build(res)
	if err != nil {
		return nil, err
	}

	var existing []domain.IndexUnit
	if err := s.db.WithContext(ctx).
		Where("resource_id = ?", res.ID).
		Order("unit_index ASC").
		Find(&existing).Error; err != nil {
		return nil, domain.WrapDatabase(err, "list units")
	}

	result := &SyncResult{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		for i, want := range desired {
			if i < len(existing) {
				have := &existing[i]
				if unitMatches(have, &want) {
					result.Unchanged++
					continue
				}
				orphans, err := collectAndDeleteSegments(tx, have.ID)
				if err != nil {
					return err
				}
				result.Orphans = append(result.Orphans, orphans...)
				if err := tx.Model(&domain.IndexUnit{}).Where("id = ?", have.ID).
					Updates(map[string]interface{}{
						"image_blob_hash":    want.ImageBlobHash,
						"image_mime_type":    want.ImageMimeType,
						"text_content":       want.TextContent,
						"text_source":        want.TextSource,
						"text_required":      want.TextRequired,
						"mm_required":        want.MmRequired,
						"text_state":         initialState(want.TextRequired),
						"mm_state":           initialState(want.MmRequired),
						"text_chunk_count":   0,
						"text_embedding_dim": nil,
						"mm_embedding_dim":   nil,
						"text_error":         "",
						"mm_error":           "",
						"updated_at":         now,
					}).Error; err != nil {
					return err
				}
				result.Updated++
				continue
			}

			unit := &domain.IndexUnit{
				ID:            domain.NewID(domain.PrefixUnit),
				ResourceID:    res.ID,
				UnitIndex:     i,
				ImageBlobHash: want.ImageBlobHash,
				ImageMimeType: want.ImageMimeType,
				TextContent:   want.TextContent,
				TextSource:    want.TextSource,
				TextRequired:  want.TextRequired,
				MmRequired:    want.MmRequired,
				TextState:     initialState(want.TextRequired),
				MmState:       initialState(want.MmRequired),
				UpdatedAt:     now,
			}
			if err := tx.Create(unit).Error; err != nil {
				return err
			}
			result.Created++
		}

		// Trailing units the builder no longer produces.
		for i := len(desired); i < len(existing); i++ {
			orphans, err := collectAndDeleteSegments(tx, existing[i].ID)
			if err != nil {
				return err
			}
			result.Orphans = append(result.Orphans, orphans...)
			if err := tx.Delete(&domain.IndexUnit{}, "id = ?", existing[i].ID).Error; err != nil {
				return err
			}
			result.Deleted++
		}
		return nil
	})
	if err != nil {
		return nil, domain.WrapDatabase(err, "sync resource units")
	}
	return result, nil
}

func unitMatches(have *domain.IndexUnit, want *CreateUnitInput) bool {
	return have.ImageBlobHash == want.ImageBlobHash &&
		have.ImageMimeType == want.ImageMimeType &&
		have.TextContent == want.TextContent &&
		have.TextSource == want.TextSource &&
		have.TextRequired == want.TextRequired &&
		have.MmRequired == want.MmRequired
}

func initialState(required bool) domain.UnitState {
	if required {
		return domain.UnitPending
	}
	return domain.UnitDisabled
}

// collectAndDeleteSegments removes a unit's segment rows and reports the
// vector rows left behind.
func collectAndDeleteSegments(tx *gorm.DB, unitID string) ([]OrphanRow, error) {
	var segments []domain.IndexSegment
	if err := tx.Where("unit_id = ?", unitID).Find(&segments).Error; err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, nil
	}
	orphans := make([]OrphanRow, 0, len(segments))
	for i := range segments {
		orphans = append(orphans, OrphanRow{
			Modality:     segments[i].Modality,
			EmbeddingDim: segments[i].EmbeddingDim,
			RowID:        segments[i].LanceRowID,
		})
		if err := adjustRecordCount(tx, segments[i].Modality, segments[i].EmbeddingDim, -1); err != nil {
			return nil, err
		}
	}
	if err := tx.Where("unit_id = ?", unitID).Delete(&domain.IndexSegment{}).Error; err != nil {
		return nil, err
	}
	return orphans, nil
}

func adjustRecordCount(tx *gorm.DB, modality domain.Modality, dim int, delta int64) error {
	return tx.Model(&domain.EmbeddingDim{}).
		Where("modality = ? AND dimension = ?", modality, dim).
		Updates(map[string]interface{}{
			// Clamped at zero; CASE WHEN works on both sqlite and postgres.
			"record_count": gorm.Expr("CASE WHEN record_count + ? < 0 THEN 0 ELSE record_count + ? END", delta, delta),
			"updated_at":   time.Now(),
		}).Error
}

// CleanupOrphans deletes orphaned vector rows, grouped per table. Failures
// are logged per group; the segment table already reflects the truth.
func (s *Service) CleanupOrphans(ctx context.Context, orphans []OrphanRow) {
	type key struct {
		modality domain.Modality
		dim      int
	}
	groups := map[key][]string{}
	for _, o := range orphans {
		k := key{o.Modality, o.EmbeddingDim}
		groups[k] = append(groups[k], o.RowID)
	}
	for k, rowIDs := range groups {
		if err := s.vectors.DeleteRows(ctx, k.modality, k.dim, rowIDs); err != nil {
			s.logger.WithFields(logger.Fields{
				"modality": k.modality,
				"dim":      k.dim,
				"rows":     len(rowIDs),
			}).WithError(err).Warn("Failed to delete orphaned vector rows")
		}
	}
}

// GetUnit loads one unit.
func (s *Service) GetUnit(ctx context.Context, unitID string) (*domain.IndexUnit, error) {
	var unit domain.IndexUnit
	if err := s.db.WithContext(ctx).First(&unit, "id = ?", unitID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NotFoundf("index unit", unitID)
		}
		return nil, domain.WrapDatabase(err, "get unit")
	}
	return &unit, nil
}

// ListUnits returns a resource's units in index order.
func (s *Service) ListUnits(ctx context.Context, resourceID string) ([]domain.IndexUnit, error) {
	var units []domain.IndexUnit
	if err := s.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Order("unit_index ASC").
		Find(&units).Error; err != nil {
		return nil, domain.WrapDatabase(err, "list units")
	}
	return units, nil
}

// ListPendingText returns units waiting for text indexing, oldest first.
func (s *Service) ListPendingText(ctx context.Context, limit int) ([]domain.IndexUnit, error) {
	return s.listPending(ctx, "text_required = 1 AND text_state = ?", limit)
}

// ListPendingMm returns units waiting for multimodal indexing, oldest first.
func (s *Service) ListPendingMm(ctx context.Context, limit int) ([]domain.IndexUnit, error) {
	return s.listPending(ctx, "mm_required = 1 AND mm_state = ?", limit)
}

func (s *Service) listPending(ctx context.Context, cond string, limit int) ([]domain.IndexUnit, error) {
	if limit <= 0 {
		limit = 50
	}
	var units []domain.IndexUnit
	if err := s.db.WithContext(ctx).
		Where(cond, domain.UnitPending).
		Order("updated_at ASC").
		Limit(limit).
		Find(&units).Error; err != nil {
		return nil, domain.WrapDatabase(err, "list pending units")
	}
	return units, nil
}

// SetTextIndexing claims a unit for text indexing at the given dimension.
// The transition is atomic in the UPDATE's WHERE clause: it fails closed when
// the unit is not pending, so concurrent claimers never both succeed.
func (s *Service) SetTextIndexing(ctx context.Context, unitID string, dim int) error {
	return s.claim(ctx, unitID, "text_state", "text_embedding_dim", dim)
}

// SetMmIndexing claims a unit for multimodal indexing.
func (s *Service) SetMmIndexing(ctx context.Context, unitID string, dim int) error {
	return s.claim(ctx, unitID, "mm_state", "mm_embedding_dim", dim)
}

func (s *Service) claim(ctx context.Context, unitID, stateCol, dimCol string, dim int) error {
	if err := domain.ValidateDimension(dim); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&domain.IndexUnit{}).
		Where("id = ? AND "+stateCol+" = ?", unitID, domain.UnitPending).
		Updates(map[string]interface{}{
			stateCol:     domain.UnitIndexing,
			dimCol:       dim,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return domain.WrapDatabase(res.Error, "claim unit")
	}
	if res.RowsAffected == 0 {
		return domain.Validationf("unit %s is not pending for %s", unitID, stateCol)
	}
	return nil
}

// SegmentInput is one vector row written during indexing.
type SegmentInput struct {
	ChunkIndex int
	LanceRowID string
	Metadata   domain.JSONMap
}

// CompleteTextIndexing records the segments written for a unit's text and
// transitions indexing → indexed.
func (s *Service) CompleteTextIndexing(ctx context.Context, unit *domain.IndexUnit, dim int, segments []SegmentInput) error {
	return s.complete(ctx, unit, domain.ModalityText, dim, segments, map[string]interface{}{
		"text_state":         domain.UnitIndexed,
		"text_chunk_count":   len(segments),
		"text_embedding_dim": dim,
		"text_error":         "",
	}, "text_state")
}

// CompleteMmIndexing records a unit's multimodal segment and transitions
// indexing → indexed.
func (s *Service) CompleteMmIndexing(ctx context.Context, unit *domain.IndexUnit, dim int, segments []SegmentInput) error {
	return s.complete(ctx, unit, domain.ModalityMultimodal, dim, segments, map[string]interface{}{
		"mm_state":         domain.UnitIndexed,
		"mm_embedding_dim": dim,
		"mm_error":         "",
	}, "mm_state")
}

func (s *Service) complete(ctx context.Context, unit *domain.IndexUnit, modality domain.Modality, dim int, segments []SegmentInput, updates map[string]interface{}, stateCol string) error {
	updates["updated_at"] = time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, seg := range segments {
			row := &domain.IndexSegment{
				ID:           domain.NewID(domain.PrefixSegment),
				UnitID:       unit.ID,
				ResourceID:   unit.ResourceID,
				Modality:     modality,
				ChunkIndex:   seg.ChunkIndex,
				EmbeddingDim: dim,
				LanceRowID:   seg.LanceRowID,
				Metadata:     seg.Metadata,
				CreatedAt:    time.Now(),
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		if len(segments) > 0 {
			if err := adjustRecordCount(tx, modality, dim, int64(len(segments))); err != nil {
				return err
			}
		}
		res := tx.Model(&domain.IndexUnit{}).
			Where("id = ? AND "+stateCol+" = ?", unit.ID, domain.UnitIndexing).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.Internalf("unit %s left %s=indexing during completion", unit.ID, stateCol)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInternal) {
			return err
		}
		return domain.WrapDatabase(err, "complete indexing")
	}
	return nil
}

// FailTextIndexing transitions a claimed unit to failed with the error text.
func (s *Service) FailTextIndexing(ctx context.Context, unitID, message string) error {
	return s.fail(ctx, unitID, "text_state", "text_error", message)
}

// FailMmIndexing transitions a claimed unit to failed with the error text.
func (s *Service) FailMmIndexing(ctx context.Context, unitID, message string) error {
	return s.fail(ctx, unitID, "mm_state", "mm_error", message)
}

func (s *Service) fail(ctx context.Context, unitID, stateCol, errCol, message string) error {
	res := s.db.WithContext(ctx).Model(&domain.IndexUnit{}).
		Where("id = ? AND "+stateCol+" = ?", unitID, domain.UnitIndexing).
		Updates(map[string]interface{}{
			stateCol:     domain.UnitFailed,
			errCol:       message,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return domain.WrapDatabase(res.Error, "fail unit")
	}
	if res.RowsAffected == 0 {
		return domain.Validationf("unit %s is not indexing for %s", unitID, stateCol)
	}
	return nil
}

// ResetUnit moves a unit's modality state back to pending (or disabled when
// the modality is not required), from any state.
func (s *Service) ResetUnit(ctx context.Context, unitID string, modality domain.Modality) error {
	unit, err := s.GetUnit(ctx, unitID)
	if err != nil {
		return err
	}
	var updates map[string]interface{}
	switch modality {
	case domain.ModalityText:
		updates = map[string]interface{}{
			"text_state": initialState(unit.TextRequired), "text_error": "",
			"text_chunk_count": 0, "text_embedding_dim": nil,
		}
	case domain.ModalityMultimodal:
		updates = map[string]interface{}{
			"mm_state": initialState(unit.MmRequired), "mm_error": "",
			"mm_embedding_dim": nil,
		}
	default:
		return domain.Validationf("unknown modality %q", modality)
	}
	updates["updated_at"] = time.Now()
	if err := s.db.WithContext(ctx).Model(&domain.IndexUnit{}).
		Where("id = ?", unitID).Updates(updates).Error; err != nil {
		return domain.WrapDatabase(err, "reset unit")
	}
	return nil
}

// RequeueForDimension moves indexed units whose stored dimension differs from
// the modality's current default back to pending, so a model swap reindexes.
func (s *Service) RequeueForDimension(ctx context.Context, modality domain.Modality, dim int) (int64, error) {
	if err := domain.ValidateDimension(dim); err != nil {
		return 0, err
	}
	var stateCol, dimCol string
	switch modality {
	case domain.ModalityText:
		stateCol, dimCol = "text_state", "text_embedding_dim"
	case domain.ModalityMultimodal:
		stateCol, dimCol = "mm_state", "mm_embedding_dim"
	default:
		return 0, domain.Validationf("unknown modality %q", modality)
	}
	res := s.db.WithContext(ctx).Model(&domain.IndexUnit{}).
		Where(stateCol+" = ? AND "+dimCol+" IS NOT NULL AND "+dimCol+" <> ?", domain.UnitIndexed, dim).
		Updates(map[string]interface{}{
			stateCol:     domain.UnitPending,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, domain.WrapDatabase(res.Error, "requeue units")
	}
	return res.RowsAffected, nil
}

// RegisterDimension is idempotent: it ensures the vector table exists and the
// registry row is present for (dimension, modality).
func (s *Service) RegisterDimension(ctx context.Context, dim int, modality domain.Modality, modelConfigID, modelName string) (*domain.EmbeddingDim, error) {
	if err := domain.ValidateDimension(dim); err != nil {
		return nil, err
	}
	if !modality.Valid() {
		return nil, domain.Validationf("unknown modality %q", modality)
	}
	if err := s.vectors.EnsureTable(ctx, modality, dim); err != nil {
		return nil, err
	}

	now := time.Now()
	row := &domain.EmbeddingDim{
		Dimension:      dim,
		Modality:       modality,
		LanceTableName: domain.LanceTableName(modality, dim),
		ModelConfigID:  modelConfigID,
		ModelName:      modelName,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.db.WithContext(ctx).
		Where("dimension = ? AND modality = ?", dim, modality).
		FirstOrCreate(row).Error
	if err != nil {
		return nil, domain.WrapDatabase(err, "register dimension")
	}
	return row, nil
}

// ListDimensions returns the registered dimensions for one modality.
func (s *Service) ListDimensions(ctx context.Context, modality domain.Modality) ([]domain.EmbeddingDim, error) {
	var dims []domain.EmbeddingDim
	q := s.db.WithContext(ctx).Model(&domain.EmbeddingDim{})
	if modality != "" {
		q = q.Where("modality = ?", modality)
	}
	if err := q.Order("dimension ASC").Find(&dims).Error; err != nil {
		return nil, domain.WrapDatabase(err, "list dimensions")
	}
	return dims, nil
}

// DeleteDimensionCascade removes a registered dimension and all its segments.
// Refused while any unit is indexing at that dimension; the in-flight unit
// and its segments stay untouched.
func (s *Service) DeleteDimensionCascade(ctx context.Context, dim int, modality domain.Modality) error {
	var stateCol, dimCol string
	switch modality {
	case domain.ModalityText:
		stateCol, dimCol = "text_state", "text_embedding_dim"
	case domain.ModalityMultimodal:
		stateCol, dimCol = "mm_state", "mm_embedding_dim"
	default:
		return domain.Validationf("unknown modality %q", modality)
	}

	var indexing int64
	if err := s.db.WithContext(ctx).Model(&domain.IndexUnit{}).
		Where(stateCol+" = ? AND "+dimCol+" = ?", domain.UnitIndexing, dim).
		Count(&indexing).Error; err != nil {
		return domain.WrapDatabase(err, "count indexing units")
	}
	if indexing > 0 {
		return domain.Validationf("indexing units exist for dimension %d %s", dim, modality)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("modality = ? AND embedding_dim = ?", modality, dim).
			Delete(&domain.IndexSegment{}).Error; err != nil {
			return err
		}
		res := tx.Where("dimension = ? AND modality = ?", dim, modality).
			Delete(&domain.EmbeddingDim{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.NotFoundf("embedding dimension", domain.LanceTableName(modality, dim))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return domain.WrapDatabase(err, "delete dimension")
	}

	if err := s.vectors.DropTable(ctx, modality, dim); err != nil {
		s.logger.WithFields(logger.Fields{
			"modality": modality,
			"dim":      dim,
		}).WithError(err).Warn("Failed to drop vector table after registry delete")
	}
	return nil
}

// RefreshCountsFromSegments recomputes every registry row's record_count from
// the segment table, the consistency recovery path.
func (s *Service) RefreshCountsFromSegments(ctx context.Context) error {
	dims, err := s.ListDimensions(ctx, "")
	if err != nil {
		return err
	}
	for i := range dims {
		var count int64
		if err := s.db.WithContext(ctx).Model(&domain.IndexSegment{}).
			Where("modality = ? AND embedding_dim = ?", dims[i].Modality, dims[i].Dimension).
			Count(&count).Error; err != nil {
			return domain.WrapDatabase(err, "count segments")
		}
		if err := s.db.WithContext(ctx).Model(&domain.EmbeddingDim{}).
			Where("id = ?", dims[i].ID).
			Updates(map[string]interface{}{
				"record_count": count,
				"updated_at":   time.Now(),
			}).Error; err != nil {
			return domain.WrapDatabase(err, "refresh record count")
		}
	}
	return nil
}

// DeleteResourceIndexFull removes a resource's units and segments, then
// deletes its vectors for both modalities across every registered dimension.
// Both modality passes run even when no segments were recorded, clearing any
// historical orphans.
func (s *Service) DeleteResourceIndexFull(ctx context.Context, resourceID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var segments []domain.IndexSegment
		if err := tx.Where("resource_id = ?", resourceID).Find(&segments).Error; err != nil {
			return err
		}
		for i := range segments {
			if err := adjustRecordCount(tx, segments[i].Modality, segments[i].EmbeddingDim, -1); err != nil {
				return err
			}
		}
		if err := tx.Where("resource_id = ?", resourceID).Delete(&domain.IndexSegment{}).Error; err != nil {
			return err
		}
		return tx.Where("resource_id = ?", resourceID).Delete(&domain.IndexUnit{}).Error
	})
	if err != nil {
		return domain.WrapDatabase(err, "delete resource index")
	}

	for _, modality := range domain.AllModalities {
		dims, err := s.ListDimensions(ctx, modality)
		if err != nil {
			return err
		}
		for i := range dims {
			if err := s.vectors.DeleteByResource(ctx, modality, dims[i].Dimension, resourceID); err != nil {
				s.logger.WithFields(logger.Fields{
					"resource_id": resourceID,
					"modality":    modality,
					"dim":         dims[i].Dimension,
				}).WithError(err).Warn("Failed to delete resource vectors")
			}
		}
	}
	return nil
}

// SegmentsForResource lists a resource's segments, the hydration input for
// search.
func (s *Service) SegmentsForResource(ctx context.Context, resourceID string) ([]domain.IndexSegment, error) {
	var segments []domain.IndexSegment
	if err := s.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Order("chunk_index ASC").
		Find(&segments).Error; err != nil {
		return nil, domain.WrapDatabase(err, "list segments")
	}
	return segments, nil
}

package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yuelin/studydesk/internal/blobstore"
	"github.com/yuelin/studydesk/internal/catalog"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/index"
)

// IndexAdminHandler serves index maintenance: manual syncs, the dimension
// registry, and consistency repairs.
type IndexAdminHandler struct {
	index   *index.Service
	catalog *catalog.Service
	blobs   *blobstore.Store
}

// NewIndexAdminHandler creates an index admin handler.
func NewIndexAdminHandler(idx *index.Service, cat *catalog.Service, blobs *blobstore.Store) *IndexAdminHandler {
	return &IndexAdminHandler{index: idx, catalog: cat, blobs: blobs}
}

// SyncResource handles POST /api/v1/index/resources/:id/sync.
func (h *IndexAdminHandler) SyncResource(c *gin.Context) {
	ctx := c.Request.Context()
	res, err := h.catalog.Resources().Get(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := h.index.SyncResourceUnits(ctx, res)
	if err != nil {
		respondError(c, err)
		return
	}
	h.index.CleanupOrphans(ctx, result.Orphans)
	c.JSON(http.StatusOK, gin.H{
		"created":   result.Created,
		"updated":   result.Updated,
		"deleted":   result.Deleted,
		"unchanged": result.Unchanged,
	})
}

// ListUnits handles GET /api/v1/index/resources/:id/units.
func (h *IndexAdminHandler) ListUnits(c *gin.Context) {
	units, err := h.index.ListUnits(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"units": units})
}

type registerDimensionRequest struct {
	Dimension     int    `json:"dimension" binding:"required"`
	Modality      string `json:"modality" binding:"required"`
	ModelConfigID string `json:"model_config_id"`
	ModelName     string `json:"model_name"`
}

// RegisterDimension handles POST /api/v1/index/dimensions.
func (h *IndexAdminHandler) RegisterDimension(c *gin.Context) {
	var req registerDimensionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dim, err := h.index.RegisterDimension(c.Request.Context(), req.Dimension,
		domain.Modality(req.Modality), req.ModelConfigID, req.ModelName)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dim)
}

// ListDimensions handles GET /api/v1/index/dimensions?modality=text.
func (h *IndexAdminHandler) ListDimensions(c *gin.Context) {
	dims, err := h.index.ListDimensions(c.Request.Context(), domain.Modality(c.Query("modality")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dimensions": dims})
}

type deleteDimensionRequest struct {
	Dimension int    `json:"dimension" binding:"required"`
	Modality  string `json:"modality" binding:"required"`
}

// DeleteDimension handles DELETE /api/v1/index/dimensions. Refused while any
// unit is mid-flight on that dimension.
func (h *IndexAdminHandler) DeleteDimension(c *gin.Context) {
	var req deleteDimensionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.index.DeleteDimensionCascade(c.Request.Context(), req.Dimension,
		domain.Modality(req.Modality)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RefreshCounts handles POST /api/v1/index/refresh-counts, recomputing
// registry record counts from the segment table.
func (h *IndexAdminHandler) RefreshCounts(c *gin.Context) {
	if err := h.index.RefreshCountsFromSegments(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Cleanup handles POST /api/v1/admin/cleanup: unreferenced retrieval
// snapshots and zero-ref blobs.
func (h *IndexAdminHandler) Cleanup(c *gin.Context) {
	ctx := c.Request.Context()
	purged, err := h.catalog.CleanupUnreferenced(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	blobsRemoved, err := h.blobs.CleanupUnreferenced(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resources_purged": purged, "blobs_removed": blobsRemoved})
}

package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yuelin/studydesk/internal/catalog"
	"github.com/yuelin/studydesk/internal/domain"
)

// FolderHandler serves the folder tree and smart-folder views.
type FolderHandler struct {
	folders *catalog.FolderRepo
}

// NewFolderHandler creates a folder handler.
func NewFolderHandler(folders *catalog.FolderRepo) *FolderHandler {
	return &FolderHandler{folders: folders}
}

type createFolderRequest struct {
	ParentID *string `json:"parent_id"`
	Title    string  `json:"title" binding:"required"`
}

// Create handles POST /api/v1/folders.
func (h *FolderHandler) Create(c *gin.Context) {
	var req createFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	folder, err := h.folders.Create(c.Request.Context(), req.ParentID, req.Title)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, folder)
}

// ListChildren handles GET /api/v1/folders?parent_id=...
func (h *FolderHandler) ListChildren(c *gin.Context) {
	var parentID *string
	if p := c.Query("parent_id"); p != "" {
		parentID = &p
	}
	folders, err := h.folders.ListChildren(c.Request.Context(), parentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"folders": folders})
}

type updateFolderRequest struct {
	Title    *string `json:"title"`
	ParentID *string `json:"parent_id"`
	Move     bool    `json:"move"` // distinguishes "move to root" from "no move"
}

// Update handles PUT /api/v1/folders/:id (rename and/or move).
func (h *FolderHandler) Update(c *gin.Context) {
	var req updateFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	if req.Title != nil {
		if err := h.folders.Rename(ctx, id, *req.Title); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Move {
		if err := h.folders.Move(ctx, id, req.ParentID); err != nil {
			respondError(c, err)
			return
		}
	}
	folder, err := h.folders.Get(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, folder)
}

// Delete handles DELETE /api/v1/folders/:id.
func (h *FolderHandler) Delete(c *gin.Context) {
	if err := h.folders.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type placeItemRequest struct {
	ResourceType string `json:"resource_type" binding:"required"`
	ResourceID   string `json:"resource_id" binding:"required"`
}

// PlaceItem handles POST /api/v1/folders/:id/items. A resource lives in at
// most one folder; placing it again moves it.
func (h *FolderHandler) PlaceItem(c *gin.Context) {
	var req placeItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.folders.PlaceItem(c.Request.Context(), c.Param("id"),
		domain.ResourceType(req.ResourceType), req.ResourceID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveItem handles DELETE /api/v1/folders/items/:resourceId.
func (h *FolderHandler) RemoveItem(c *gin.Context) {
	if err := h.folders.RemoveItem(c.Request.Context(), c.Param("resourceId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListItems handles GET /api/v1/folders/:id/items?recursive=true.
func (h *FolderHandler) ListItems(c *gin.Context) {
	recursive := c.Query("recursive") == "true"
	items, err := h.folders.ListFolderItems(c.Request.Context(), c.Param("id"), recursive)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// ListUnassigned handles GET /api/v1/folders/unassigned?type=note — the
// smart-folder view of resources placed nowhere.
func (h *FolderHandler) ListUnassigned(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	resources, err := h.folders.ListUnassigned(c.Request.Context(),
		domain.ResourceType(c.Query("type")), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resources": resources})
}

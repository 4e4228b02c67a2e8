package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/search"
)

// SearchHandler serves hybrid search over the indexed catalog.
type SearchHandler struct {
	search *search.Service
}

// NewSearchHandler creates a search handler.
func NewSearchHandler(s *search.Service) *SearchHandler {
	return &SearchHandler{search: s}
}

type searchRequest struct {
	Query         string   `json:"query" binding:"required"`
	TopK          int      `json:"top_k"`
	ResourceTypes []string `json:"resource_types"`
	FolderIDs     []string `json:"folder_ids"`
	Modality      string   `json:"modality"`
}

// Search handles POST /api/v1/search.
func (h *SearchHandler) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := &search.Options{
		TopK:      req.TopK,
		FolderIDs: req.FolderIDs,
		Modality:  domain.Modality(req.Modality),
	}
	for _, t := range req.ResourceTypes {
		opts.ResourceTypes = append(opts.ResourceTypes, domain.ResourceType(t))
	}

	results, err := h.search.Search(c.Request.Context(), req.Query, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"query":   req.Query,
		"total":   len(results),
		"results": results,
	})
}

package handler

import (
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yuelin/studydesk/internal/blobstore"
	"github.com/yuelin/studydesk/internal/catalog"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/index"
	"github.com/yuelin/studydesk/internal/logger"
	"github.com/yuelin/studydesk/internal/rasterizer"
)

// ResourceHandler serves the catalog CRUD surface. Every write reconciles the
// resource's index units afterwards so the index never drifts silently.
type ResourceHandler struct {
	catalog *catalog.Service
	blobs   *blobstore.Store
	index   *index.Service
	raster  rasterizer.Rasterizer
}

// NewResourceHandler creates a resource handler.
func NewResourceHandler(cat *catalog.Service, blobs *blobstore.Store, idx *index.Service, raster rasterizer.Rasterizer) *ResourceHandler {
	return &ResourceHandler{catalog: cat, blobs: blobs, index: idx, raster: raster}
}

type createResourceRequest struct {
	ResourceType string   `json:"resource_type" binding:"required"`
	Title        string   `json:"title" binding:"required"`
	Content      string   `json:"content"`
	SourceText   string   `json:"source_text"`
	Translated   string   `json:"translated"`
	BlobHash     string   `json:"blob_hash"`
	PageCount    int      `json:"page_count"`
	PreviewJSON  string   `json:"preview_json"`
	OCRJSON      string   `json:"ocr_json"`
	Extracted    string   `json:"extracted_text"`
	OCRText      string   `json:"ocr_text"`
	Tags         []string `json:"tags"`
}

// Create handles POST /api/v1/resources.
func (h *ResourceHandler) Create(c *gin.Context) {
	var req createResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var (
		res *domain.Resource
		err error
	)
	switch domain.ResourceType(req.ResourceType) {
	case domain.ResourceNote:
		res, err = h.catalog.CreateNote(ctx, req.Title, req.Content, req.Tags)
	case domain.ResourceEssay:
		res, err = h.catalog.CreateEssay(ctx, req.Title, req.Content, req.Tags)
	case domain.ResourceMindmap:
		res, err = h.catalog.CreateMindmap(ctx, req.Title, req.Content, req.Tags)
	case domain.ResourceTranslation:
		res, err = h.catalog.CreateTranslation(ctx, req.Title, req.SourceText, req.Translated)
	case domain.ResourceTextbook:
		res, err = h.catalog.CreateTextbook(ctx, pagedInput(&req))
	case domain.ResourceExam:
		res, err = h.catalog.CreateExam(ctx, pagedInput(&req))
	case domain.ResourceImage:
		res, err = h.catalog.CreateImage(ctx, req.Title, req.BlobHash, req.OCRText, req.Tags)
	case domain.ResourceFile:
		res, err = h.catalog.CreateFile(ctx, req.Title, req.BlobHash, req.Extracted, req.OCRText, req.Tags)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported resource type " + req.ResourceType})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	h.syncIndex(c, res)
	c.JSON(http.StatusCreated, res)
}

func pagedInput(req *createResourceRequest) *catalog.PagedInput {
	return &catalog.PagedInput{
		Title:       req.Title,
		BlobHash:    req.BlobHash,
		PageCount:   req.PageCount,
		PreviewJSON: req.PreviewJSON,
		OCRJSON:     req.OCRJSON,
		Extracted:   req.Extracted,
		Tags:        req.Tags,
	}
}

// Upload handles POST /api/v1/blobs: a multipart file becomes a stored blob.
// Resource creation is a separate call referencing the returned hash.
func (h *ResourceHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
		return
	}

	data, err := readUpload(fileHeader)
	if err != nil {
		respondError(c, err)
		return
	}

	ext := strings.TrimPrefix(filepath.Ext(fileHeader.Filename), ".")
	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension("." + ext)
	}

	blob, err := h.blobs.Store(c.Request.Context(), data, mimeType, ext)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, blob)
}

// Ingest handles POST /api/v1/resources/ingest: a multipart document becomes
// a page-structured resource in one call. PDFs may carry renderer-supplied
// page images under "pages"; DOCX bodies contribute native text; single
// images become image resources.
func (h *ResourceHandler) Ingest(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
		return
	}
	title := c.PostForm("title")
	if title == "" {
		title = fileHeader.Filename
	}
	kind := domain.ResourceType(c.DefaultPostForm("resource_type", string(domain.ResourceFile)))
	switch kind {
	case domain.ResourceTextbook, domain.ResourceExam, domain.ResourceFile, domain.ResourceImage:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource_type must be textbook, exam, file or image"})
		return
	}

	data, err := readUpload(fileHeader)
	if err != nil {
		respondError(c, err)
		return
	}
	ext := strings.TrimPrefix(filepath.Ext(fileHeader.Filename), ".")
	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension("." + ext)
	}

	ctx := c.Request.Context()
	blob, err := h.blobs.Store(ctx, data, mimeType, ext)
	if err != nil {
		respondError(c, err)
		return
	}

	var result *rasterizer.Result
	if form, formErr := c.MultipartForm(); formErr == nil && len(form.File["pages"]) > 0 {
		pageImages := make([][]byte, 0, len(form.File["pages"]))
		for _, page := range form.File["pages"] {
			img, err := readUpload(page)
			if err != nil {
				respondError(c, err)
				return
			}
			pageImages = append(pageImages, img)
		}
		result, err = h.raster.RasterizePages(ctx, data, pageImages)
	} else {
		result, err = h.raster.Rasterize(ctx, data, mimeType)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	var res *domain.Resource
	switch {
	case kind == domain.ResourceImage || strings.HasPrefix(mimeType, "image/"):
		res, err = h.catalog.CreateImage(ctx, title, blob.Hash, "", nil)
	case kind == domain.ResourceFile:
		res, err = h.catalog.CreateFile(ctx, title, blob.Hash, pageTextHints(result), "", nil)
	default:
		previews, previewErr := h.storePreviews(c, result)
		if previewErr != nil {
			respondError(c, previewErr)
			return
		}
		in := &catalog.PagedInput{
			Title:       title,
			BlobHash:    blob.Hash,
			PageCount:   result.PageCount,
			PreviewJSON: previews,
			Extracted:   pageTextHints(result),
		}
		if kind == domain.ResourceTextbook {
			res, err = h.catalog.CreateTextbook(ctx, in)
		} else {
			res, err = h.catalog.CreateExam(ctx, in)
		}
	}
	if err != nil {
		respondError(c, err)
		return
	}

	h.syncIndex(c, res)
	c.JSON(http.StatusCreated, gin.H{"resource": res, "page_count": result.PageCount})
}

// storePreviews writes page images to the blob store and returns their hashes
// as a JSON array, empty when the document has no rendered pages yet.
func (h *ResourceHandler) storePreviews(c *gin.Context, result *rasterizer.Result) (string, error) {
	if len(result.Pages) == 0 {
		return "", nil
	}
	hashes := make([]string, 0, len(result.Pages))
	for i := range result.Pages {
		page := &result.Pages[i]
		if len(page.Data) == 0 {
			hashes = append(hashes, "")
			continue
		}
		blob, err := h.blobs.Store(c.Request.Context(), page.Data, page.MimeType, "png")
		if err != nil {
			return "", err
		}
		hashes = append(hashes, blob.Hash)
	}
	encoded, err := json.Marshal(hashes)
	if err != nil {
		return "", domain.Internalf("encode preview hashes: %v", err)
	}
	return string(encoded), nil
}

func pageTextHints(result *rasterizer.Result) string {
	var parts []string
	for i := range result.Pages {
		if hint := strings.TrimSpace(result.Pages[i].TextHint); hint != "" {
			parts = append(parts, hint)
		}
	}
	return strings.Join(parts, "\n\n")
}

func readUpload(fileHeader *multipart.FileHeader) ([]byte, error) {
	f, err := fileHeader.Open()
	if err != nil {
		return nil, domain.WrapIo(err, "open upload")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, domain.WrapIo(err, "read upload")
	}
	return data, nil
}

// List handles GET /api/v1/resources.
func (h *ResourceHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	opts := &catalog.ListOptions{
		Search:      c.Query("search"),
		Limit:       limit,
		Offset:      offset,
		OnlyDeleted: c.Query("deleted") == "true",
	}
	if t := c.Query("type"); t != "" {
		for _, part := range strings.Split(t, ",") {
			opts.ResourceTypes = append(opts.ResourceTypes, domain.ResourceType(part))
		}
	}
	if tags := c.Query("tags"); tags != "" {
		opts.Tags = strings.Split(tags, ",")
	}

	resources, total, err := h.catalog.Resources().List(c.Request.Context(), opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "resources": resources})
}

// Get handles GET /api/v1/resources/:id.
func (h *ResourceHandler) Get(c *gin.Context) {
	res, err := h.catalog.Resources().GetVisible(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type updateResourceRequest struct {
	Title   *string        `json:"title"`
	Tags    []string       `json:"tags"`
	Payload domain.JSONMap `json:"payload"`
}

// Update handles PUT /api/v1/resources/:id.
func (h *ResourceHandler) Update(c *gin.Context) {
	var req updateResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	res, err := h.catalog.Resources().GetVisible(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if req.Title != nil {
		res.Title = *req.Title
	}
	if req.Tags != nil {
		res.Tags = req.Tags
	}
	for k, v := range req.Payload {
		res.Payload[k] = v
	}
	if err := h.catalog.Resources().Update(ctx, res); err != nil {
		respondError(c, err)
		return
	}

	h.syncIndex(c, res)
	c.JSON(http.StatusOK, res)
}

// Delete handles DELETE /api/v1/resources/:id (recycle bin).
func (h *ResourceHandler) Delete(c *gin.Context) {
	res, err := h.catalog.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Restore handles POST /api/v1/resources/:id/restore.
func (h *ResourceHandler) Restore(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.catalog.Restore(ctx, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	if res, err := h.catalog.Resources().Get(ctx, c.Param("id")); err == nil {
		h.syncIndex(c, res)
	}
	c.Status(http.StatusNoContent)
}

// Purge handles DELETE /api/v1/resources/:id/purge: permanent removal of the
// catalog row, its blob reference, and every index artifact.
func (h *ResourceHandler) Purge(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if err := h.index.DeleteResourceIndexFull(ctx, id); err != nil {
		respondError(c, err)
		return
	}
	if err := h.catalog.Purge(ctx, id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// syncIndex reconciles index units after a catalog write. Failures are
// logged; the catalog write has already succeeded and the next sync retries.
func (h *ResourceHandler) syncIndex(c *gin.Context, res *domain.Resource) {
	ctx := c.Request.Context()
	result, err := h.index.SyncResourceUnits(ctx, res)
	if err != nil {
		logger.CtxWarn(ctx, "Index sync failed for %s: %v", res.ID, err)
		return
	}
	h.index.CleanupOrphans(ctx, result.Orphans)
}

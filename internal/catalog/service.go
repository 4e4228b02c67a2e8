package catalog

import (
	"context"

	"github.com/yuelin/studydesk/internal/blobstore"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
)

// Service is the catalog facade: per-kind constructors plus the recycle-bin
// lifecycle, with blob reference accounting on purge.
type Service struct {
	resources *ResourceRepo
	folders   *FolderRepo
	blobs     *blobstore.Store
	logger    *logger.Logger
}

// NewService creates the catalog service.
func NewService(resources *ResourceRepo, folders *FolderRepo, blobs *blobstore.Store, log *logger.Logger) *Service {
	return &Service{resources: resources, folders: folders, blobs: blobs, logger: log}
}

// Resources exposes the row-level repository.
func (s *Service) Resources() *ResourceRepo { return s.resources }

// Folders exposes the folder repository.
func (s *Service) Folders() *FolderRepo { return s.folders }

func (s *Service) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// CreateNote creates a note resource with native text content.
func (s *Service) CreateNote(ctx context.Context, title, content string, tags []string) (*domain.Resource, error) {
	return s.resources.Create(ctx, &CreateInput{
		ResourceType: domain.ResourceNote,
		Title:        title,
		Tags:         tags,
		Payload:      domain.JSONMap{domain.PayloadContent: content},
	})
}

// CreateEssay creates an essay resource.
func (s *Service) CreateEssay(ctx context.Context, title, content string, tags []string) (*domain.Resource, error) {
	return s.resources.Create(ctx, &CreateInput{
		ResourceType: domain.ResourceEssay,
		Title:        title,
		Tags:         tags,
		Payload:      domain.JSONMap{domain.PayloadContent: content},
	})
}

// CreateMindmap creates a mindmap resource; content is the serialized map.
func (s *Service) CreateMindmap(ctx context.Context, title, content string, tags []string) (*domain.Resource, error) {
	return s.resources.Create(ctx, &CreateInput{
		ResourceType: domain.ResourceMindmap,
		Title:        title,
		Tags:         tags,
		Payload:      domain.JSONMap{domain.PayloadContent: content},
	})
}

// CreateTranslation creates a translation resource holding both sides.
func (s *Service) CreateTranslation(ctx context.Context, title, sourceText, translated string) (*domain.Resource, error) {
	return s.resources.Create(ctx, &CreateInput{
		ResourceType: domain.ResourceTranslation,
		Title:        title,
		Payload: domain.JSONMap{
			domain.PayloadSourceText: sourceText,
			domain.PayloadTranslated: translated,
		},
	})
}

// PagedInput carries the page-structured payload shared by textbooks, exams
// and multi-page attachments.
type PagedInput struct {
	Title       string
	BlobHash    string // source document blob
	PageCount   int
	PreviewJSON string // per-page preview blob hashes, JSON array
	OCRJSON     string // per-page OCR text, JSON array
	Extracted   string // fallback native text when no per-page OCR exists
	Tags        []string
}

// CreateTextbook creates a page-structured textbook resource.
func (s *Service) CreateTextbook(ctx context.Context, in *PagedInput) (*domain.Resource, error) {
	return s.createPaged(ctx, domain.ResourceTextbook, in)
}

// CreateExam creates a page-structured exam resource.
func (s *Service) CreateExam(ctx context.Context, in *PagedInput) (*domain.Resource, error) {
	return s.createPaged(ctx, domain.ResourceExam, in)
}

func (s *Service) createPaged(ctx context.Context, kind domain.ResourceType, in *PagedInput) (*domain.Resource, error) {
	if in.PageCount < 0 {
		return nil, domain.Validationf("page count must be non-negative")
	}
	return s.resources.Create(ctx, &CreateInput{
		ResourceType: kind,
		Title:        in.Title,
		Tags:         in.Tags,
		BlobHash:     in.BlobHash,
		Payload: domain.JSONMap{
			domain.PayloadPageCount:     in.PageCount,
			domain.PayloadPreviewJSON:   in.PreviewJSON,
			domain.PayloadOCRJSON:       in.OCRJSON,
			domain.PayloadExtractedText: in.Extracted,
		},
	})
}

// CreateImage creates an image resource backed by a stored blob.
func (s *Service) CreateImage(ctx context.Context, title, blobHash, ocrText string, tags []string) (*domain.Resource, error) {
	if blobHash == "" {
		return nil, domain.Validationf("image resource requires a blob hash")
	}
	return s.resources.Create(ctx, &CreateInput{
		ResourceType: domain.ResourceImage,
		Title:        title,
		Tags:         tags,
		BlobHash:     blobHash,
		Payload:      domain.JSONMap{domain.PayloadOCRText: ocrText},
	})
}

// CreateFile creates a file resource; extractedText is native text pulled by
// a parser, ocrText comes from the OCR pass. Either may be empty.
func (s *Service) CreateFile(ctx context.Context, title, blobHash, extractedText, ocrText string, tags []string) (*domain.Resource, error) {
	return s.resources.Create(ctx, &CreateInput{
		ResourceType: domain.ResourceFile,
		Title:        title,
		Tags:         tags,
		BlobHash:     blobHash,
		Payload: domain.JSONMap{
			domain.PayloadExtractedText: extractedText,
			domain.PayloadOCRText:       ocrText,
		},
	})
}

// RetrievalSource is one source returned by a retrieval tool.
type RetrievalSource struct {
	Kind    string // rag, web, memory, graph
	Title   string
	URL     string
	Snippet string
}

// RegisterRetrieval stores a retrieval snapshot, deduplicated by content
// hash: registering the same source twice returns the existing row.
func (s *Service) RegisterRetrieval(ctx context.Context, src *RetrievalSource) (*domain.Resource, error) {
	hash := ContentHash(src.Kind, src.URL, src.Snippet)
	if existing, err := s.resources.FindRetrievalByContentHash(ctx, hash); err == nil {
		return existing, nil
	}

	title := src.Title
	if title == "" {
		title = "Retrieved source"
	}
	return s.resources.Create(ctx, &CreateInput{
		ResourceType: domain.ResourceRetrieval,
		Title:        title,
		ContentHash:  hash,
		Payload: domain.JSONMap{
			domain.PayloadSourceKind: src.Kind,
			domain.PayloadSourceURL:  src.URL,
			domain.PayloadSnippet:    src.Snippet,
		},
	})
}

// Delete soft-deletes a resource into the recycle bin and returns the prior
// state for undo.
func (s *Service) Delete(ctx context.Context, id string) (*domain.Resource, error) {
	return s.resources.SoftDelete(ctx, id)
}

// Restore brings a resource back from the recycle bin into the unassigned view.
func (s *Service) Restore(ctx context.Context, id string) error {
	return s.resources.Restore(ctx, id)
}

// Purge hard-deletes a resource and releases its blob reference. Blob ref
// failures are logged, not surfaced; the sweep recovers consistency later.
func (s *Service) Purge(ctx context.Context, id string) error {
	blobHash, err := s.resources.Purge(ctx, id)
	if err != nil {
		return err
	}
	if blobHash != "" {
		if _, err := s.blobs.DecrementRef(ctx, blobHash); err != nil {
			s.log(ctx).WithFields(logger.Fields{
				"resource_id": id,
				"blob_hash":   blobHash,
			}).WithError(err).Warn("Failed to release blob reference on purge")
		}
	}
	return nil
}

// CleanupUnreferenced purges retrieval snapshots with a zero ref count and
// sweeps unreferenced blobs. Returns the number of retrieval rows purged.
func (s *Service) CleanupUnreferenced(ctx context.Context) (int, error) {
	rows, err := s.resources.ListUnreferencedRetrievals(ctx, 500)
	if err != nil {
		return 0, err
	}
	purged := 0
	for i := range rows {
		if err := s.Purge(ctx, rows[i].ID); err != nil {
			s.log(ctx).WithField("resource_id", rows[i].ID).WithError(err).Warn("Failed to purge unreferenced retrieval")
			continue
		}
		purged++
	}
	if _, err := s.blobs.CleanupUnreferenced(ctx); err != nil {
		s.log(ctx).WithError(err).Warn("Blob sweep failed")
	}
	return purged, nil
}

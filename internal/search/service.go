package search

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/yuelin/studydesk/internal/catalog"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/executor"
	"github.com/yuelin/studydesk/internal/index"
	"github.com/yuelin/studydesk/internal/logger"
	"github.com/yuelin/studydesk/internal/vectorstore"
)

// Options narrows one search call.
type Options struct {
	TopK          int
	ResourceTypes []domain.ResourceType
	FolderIDs     []string
	Modality      domain.Modality
}

// Result is one hydrated search hit.
type Result struct {
	ResourceID   string              `json:"resource_id"`
	ResourceType domain.ResourceType `json:"resource_type"`
	Title        string              `json:"title"`
	Snippet      string              `json:"snippet,omitempty"`
	PageIndex    int                 `json:"page_index"`
	Score        float64             `json:"score"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Config tunes the merge behavior.
type Config struct {
	Overfetch         float64       // candidate multiplier per dimension
	RelativeThreshold float64       // drop hits below max_score * threshold
	AbsoluteFloor     float64       // drop hits below this score outright
	Timeout           time.Duration // hard cap on the whole search
}

// Reranker reorders merged candidates; optional.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []Result) ([]Result, error)
}

// Service runs hybrid search: vector fan-out over every registered dimension
// with a bound embedder, merged with catalog full-text scores.
type Service struct {
	resources *catalog.ResourceRepo
	folders   *catalog.FolderRepo
	index     *index.Service
	vectors   vectorstore.VectorStore
	embedders map[domain.Modality]executor.Embedder
	byDim     map[int]executor.Embedder
	reranker  Reranker
	cfg       Config
	logger    *logger.Logger
}

// NewService creates the search service. embedders maps each modality to its
// default embedder; extra per-dimension embedders widen the fan-out.
func NewService(
	resources *catalog.ResourceRepo,
	folders *catalog.FolderRepo,
	idx *index.Service,
	vectors vectorstore.VectorStore,
	embedders map[domain.Modality]executor.Embedder,
	cfg Config,
	log *logger.Logger,
) *Service {
	if cfg.Overfetch < 1 {
		cfg.Overfetch = 2.0
	}
	if cfg.RelativeThreshold <= 0 || cfg.RelativeThreshold > 1 {
		cfg.RelativeThreshold = 0.6
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	byDim := map[int]executor.Embedder{}
	for _, e := range embedders {
		byDim[e.Dimensions()] = e
	}
	return &Service{
		resources: resources,
		folders:   folders,
		index:     idx,
		vectors:   vectors,
		embedders: embedders,
		byDim:     byDim,
		cfg:       cfg,
		logger:    log,
	}
}

// RegisterDimEmbedder binds an embedder to one dimension for cross-dimension
// fan-out, used when older indexes were built with a different model.
func (s *Service) RegisterDimEmbedder(dim int, e executor.Embedder) {
	s.byDim[dim] = e
}

// SetReranker installs an optional rerank stage.
func (s *Service) SetReranker(r Reranker) { s.reranker = r }

type candidate struct {
	vectorScore   float64
	vectorHits    int
	fulltextScore float64
	hasFulltext   bool
	snippet       string
	pageIndex     int
}

// Search runs the hybrid query. Deleted resources never appear; ordering is
// stable across ties by (score desc, updated_at desc, resource_id asc).
func (s *Service) Search(ctx context.Context, query string, opts *Options) ([]Result, error) {
	if query == "" {
		return nil, domain.Validationf("search query is empty")
	}
	if opts == nil {
		opts = &Options{}
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}
	modality := opts.Modality
	if modality == "" {
		modality = domain.ModalityText
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	filter, err := s.folderFilter(ctx, opts.FolderIDs)
	if err != nil {
		return nil, err
	}

	candidates := map[string]*candidate{}
	fetchK := int(math.Ceil(float64(topK) * s.cfg.Overfetch))

	dims, err := s.index.ListDimensions(ctx, modality)
	if err != nil {
		return nil, err
	}
	for i := range dims {
		embedder, ok := s.byDim[dims[i].Dimension]
		if !ok {
			continue
		}
		vector, err := embedder.EmbedQuery(ctx, query)
		if err != nil {
			s.logger.WithField("dim", dims[i].Dimension).WithError(err).
				Warn("Query embedding failed for dimension, skipping")
			continue
		}
		hits, err := s.vectors.Search(ctx, modality, dims[i].Dimension, vector, fetchK, filter)
		if err != nil {
			s.logger.WithField("dim", dims[i].Dimension).WithError(err).
				Warn("Vector search failed for dimension, skipping")
			continue
		}
		for _, hit := range hits {
			c := candidates[hit.ResourceID]
			if c == nil {
				c = &candidate{}
				candidates[hit.ResourceID] = c
			}
			score := float64(hit.Score)
			if score > c.vectorScore || c.vectorHits == 0 {
				c.vectorScore = score
				c.snippet = hit.Text
				c.pageIndex = hit.PageIndex
			}
			c.vectorHits++
		}
	}

	// Lexical half.
	fulltext, err := s.resources.FullTextSearch(ctx, query, opts.ResourceTypes, fetchK*2)
	if err != nil {
		s.logger.WithError(err).Warn("Full-text search failed, proceeding vector-only")
	} else {
		for id, score := range fulltext {
			c := candidates[id]
			if c == nil {
				c = &candidate{}
				candidates[id] = c
			}
			c.fulltextScore = score
			c.hasFulltext = true
		}
	}

	results, err := s.hydrate(ctx, candidates, opts.ResourceTypes, filter)
	if err != nil {
		return nil, err
	}
	results = s.applyThresholds(results)

	if s.reranker != nil && len(results) > 1 {
		reranked, err := s.reranker.Rerank(ctx, query, results)
		if err != nil {
			s.logger.WithError(err).Warn("Rerank failed, keeping merge order")
		} else {
			results = reranked
		}
	}

	sortResults(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// folderFilter resolves folder scoping to a resource-ID filter.
func (s *Service) folderFilter(ctx context.Context, folderIDs []string) (*vectorstore.Filter, error) {
	if len(folderIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, 32)
	for _, folderID := range folderIDs {
		items, err := s.folders.ListFolderItems(ctx, folderID, true)
		if err != nil {
			return nil, err
		}
		for i := range items {
			ids = append(ids, items[i].Resource.ID)
		}
	}
	return &vectorstore.Filter{ResourceIDs: ids}, nil
}

// hydrate joins candidates back to live catalog rows and merges the two
// engines' scores, averaging when both hit.
func (s *Service) hydrate(ctx context.Context, candidates map[string]*candidate, types []domain.ResourceType, filter *vectorstore.Filter) ([]Result, error) {
	var allowed map[string]struct{}
	if filter != nil {
		allowed = make(map[string]struct{}, len(filter.ResourceIDs))
		for _, id := range filter.ResourceIDs {
			allowed[id] = struct{}{}
		}
	}
	typeSet := map[domain.ResourceType]struct{}{}
	for _, t := range types {
		typeSet[t] = struct{}{}
	}

	results := make([]Result, 0, len(candidates))
	for id, c := range candidates {
		if allowed != nil {
			if _, ok := allowed[id]; !ok {
				continue
			}
		}
		res, err := s.resources.Get(ctx, id)
		if err != nil {
			continue
		}
		if res.Deleted() {
			continue
		}
		if len(typeSet) > 0 {
			if _, ok := typeSet[res.ResourceType]; !ok {
				continue
			}
		}

		var score float64
		switch {
		case c.vectorHits > 0 && c.hasFulltext:
			score = (c.vectorScore + c.fulltextScore) / 2
		case c.vectorHits > 0:
			score = c.vectorScore
		default:
			score = c.fulltextScore
		}
		results = append(results, Result{
			ResourceID:   id,
			ResourceType: res.ResourceType,
			Title:        res.Title,
			Snippet:      c.snippet,
			PageIndex:    c.pageIndex,
			Score:        score,
			UpdatedAt:    res.UpdatedAt,
		})
	}
	return results, nil
}

func (s *Service) applyThresholds(results []Result) []Result {
	if len(results) == 0 {
		return results
	}
	maxScore := 0.0
	for i := range results {
		if results[i].Score > maxScore {
			maxScore = results[i].Score
		}
	}
	cutoff := maxScore * s.cfg.RelativeThreshold
	out := results[:0]
	for i := range results {
		if results[i].Score < cutoff || results[i].Score < s.cfg.AbsoluteFloor {
			continue
		}
		out = append(out, results[i])
	}
	return out
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].UpdatedAt.Equal(results[j].UpdatedAt) {
			return results[i].UpdatedAt.After(results[j].UpdatedAt)
		}
		return results[i].ResourceID < results[j].ResourceID
	})
}

package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/yuelin/studydesk/internal/domain"
)

// MemoryStore is an in-process VectorStore used in tests and as a fallback
// when no Qdrant instance is configured. Brute-force cosine search.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*memoryTable
}

type memoryTable struct {
	dim  int
	rows map[string]*memoryRow
}

type memoryRow struct {
	InsertRow
	rowID string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: map[string]*memoryTable{}}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) EnsureTable(ctx context.Context, modality domain.Modality, dim int) error {
	if err := domain.ValidateDimension(dim); err != nil {
		return err
	}
	name := domain.LanceTableName(modality, dim)

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[name]; ok {
		if t.dim != dim {
			return domain.Validationf("table %s has dimension %d, expected %d", name, t.dim, dim)
		}
		return nil
	}
	s.tables[name] = &memoryTable{dim: dim, rows: map[string]*memoryRow{}}
	return nil
}

func (s *MemoryStore) Insert(ctx context.Context, modality domain.Modality, dim int, rows []InsertRow) ([]string, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	name := domain.LanceTableName(modality, dim)

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		t = &memoryTable{dim: dim, rows: map[string]*memoryRow{}}
		s.tables[name] = t
	}

	rowIDs := make([]string, len(rows))
	for i, row := range rows {
		if len(row.Vector) != dim {
			return nil, domain.Validationf("vector has %d dimensions, table %s expects %d", len(row.Vector), name, dim)
		}
		rowIDs[i] = uuid.New().String()
		t.rows[rowIDs[i]] = &memoryRow{InsertRow: row, rowID: rowIDs[i]}
	}
	return rowIDs, nil
}

func (s *MemoryStore) Search(ctx context.Context, modality domain.Modality, dim int, vector []float32, topK int, filter *Filter) ([]Hit, error) {
	name := domain.LanceTableName(modality, dim)

	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, nil
	}

	var allowed map[string]struct{}
	if filter != nil && len(filter.ResourceIDs) > 0 {
		allowed = make(map[string]struct{}, len(filter.ResourceIDs))
		for _, id := range filter.ResourceIDs {
			allowed[id] = struct{}{}
		}
	}

	hits := make([]Hit, 0, len(t.rows))
	for _, row := range t.rows {
		if allowed != nil {
			if _, ok := allowed[row.ResourceID]; !ok {
				continue
			}
		}
		hits = append(hits, Hit{
			RowID:      row.rowID,
			ResourceID: row.ResourceID,
			UnitID:     row.UnitID,
			ChunkIndex: row.ChunkIndex,
			PageIndex:  row.PageIndex,
			Text:       row.Text,
			Score:      cosineSimilarity(vector, row.Vector),
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].RowID < hits[j].RowID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *MemoryStore) DeleteByResource(ctx context.Context, modality domain.Modality, dim int, resourceID string) error {
	name := domain.LanceTableName(modality, dim)

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return nil
	}
	for id, row := range t.rows {
		if row.ResourceID == resourceID {
			delete(t.rows, id)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteRows(ctx context.Context, modality domain.Modality, dim int, rowIDs []string) error {
	name := domain.LanceTableName(modality, dim)

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return nil
	}
	for _, id := range rowIDs {
		delete(t.rows, id)
	}
	return nil
}

func (s *MemoryStore) DropTable(ctx context.Context, modality domain.Modality, dim int) error {
	name := domain.LanceTableName(modality, dim)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, name)
	return nil
}

// RowCount reports the number of rows in one table, for tests and the
// consistency sweep.
func (s *MemoryStore) RowCount(modality domain.Modality, dim int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[domain.LanceTableName(modality, dim)]
	if !ok {
		return 0
	}
	return len(t.rows)
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

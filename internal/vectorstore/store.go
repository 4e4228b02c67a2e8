package vectorstore

import (
	"context"

	"github.com/yuelin/studydesk/internal/domain"
)

// InsertRow is one chunk vector plus the payload the search side hydrates from.
type InsertRow struct {
	ResourceID string
	UnitID     string
	ChunkIndex int
	PageIndex  int
	Text       string
	Vector     []float32
}

// Hit is one scored row from a similarity search.
type Hit struct {
	RowID      string
	ResourceID string
	UnitID     string
	ChunkIndex int
	PageIndex  int
	Text       string
	Score      float32
}

// Filter narrows a search to specific resources.
type Filter struct {
	ResourceIDs []string
}

// VectorStore is the embedding table backend. Tables are keyed by
// (modality, dimension); every dimension registered in the catalog gets its
// own table so vectors of different sizes never mix.
type VectorStore interface {
	// EnsureTable creates the (modality, dimension) table if missing and
	// verifies the dimension when it exists.
	EnsureTable(ctx context.Context, modality domain.Modality, dim int) error

	// Insert adds rows and returns their generated row IDs, in input order.
	Insert(ctx context.Context, modality domain.Modality, dim int, rows []InsertRow) ([]string, error)

	// Search runs a cosine similarity query over one table.
	Search(ctx context.Context, modality domain.Modality, dim int, vector []float32, topK int, filter *Filter) ([]Hit, error)

	// DeleteByResource removes every row belonging to a resource.
	DeleteByResource(ctx context.Context, modality domain.Modality, dim int, resourceID string) error

	// DeleteRows removes specific rows by ID.
	DeleteRows(ctx context.Context, modality domain.Modality, dim int, rowIDs []string) error

	// DropTable removes the whole (modality, dimension) table.
	DropTable(ctx context.Context, modality domain.Modality, dim int) error

	Close() error
}

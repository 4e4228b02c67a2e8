package domain

import (
	"fmt"
	"time"
)

// Modality selects which embedding family a segment belongs to.
type Modality string

const (
	ModalityText       Modality = "text"
	ModalityMultimodal Modality = "multimodal"
)

// AllModalities lists both embedding modalities.
var AllModalities = []Modality{ModalityText, ModalityMultimodal}

// Valid reports whether m is a known modality.
func (m Modality) Valid() bool {
	return m == ModalityText || m == ModalityMultimodal
}

// UnitState is the per-modality indexing state of a unit.
type UnitState string

const (
	UnitPending  UnitState = "pending"
	UnitIndexing UnitState = "indexing"
	UnitIndexed  UnitState = "indexed"
	UnitFailed   UnitState = "failed"
	UnitDisabled UnitState = "disabled"
)

// TextSource records where a unit's text came from.
type TextSource string

const (
	TextSourceNative TextSource = "native"
	TextSourceOCR    TextSource = "ocr"
)

// IndexUnit is the atomic indexable slice of a resource: one page, one
// section, or one file. Units for a resource form a dense prefix
// unit_index in [0, N).
type IndexUnit struct {
	ID               string     `gorm:"type:text;primaryKey" json:"id"`
	ResourceID       string     `gorm:"type:text;not null;index:idx_units_resource" json:"resource_id"`
	UnitIndex        int        `gorm:"not null" json:"unit_index"`
	ImageBlobHash    string     `gorm:"type:text" json:"image_blob_hash,omitempty"`
	ImageMimeType    string     `gorm:"type:text" json:"image_mime_type,omitempty"`
	TextContent      string     `gorm:"type:text" json:"text_content,omitempty"`
	TextSource       TextSource `gorm:"type:text" json:"text_source,omitempty"`
	TextRequired     bool       `gorm:"not null;default:false" json:"text_required"`
	MmRequired       bool       `gorm:"not null;default:false" json:"mm_required"`
	TextState        UnitState  `gorm:"type:text;not null;default:pending;index:idx_units_text_state" json:"text_state"`
	MmState          UnitState  `gorm:"type:text;not null;default:pending;index:idx_units_mm_state" json:"mm_state"`
	TextChunkCount   int        `gorm:"not null;default:0" json:"text_chunk_count"`
	TextEmbeddingDim *int       `json:"text_embedding_dim,omitempty"`
	MmEmbeddingDim   *int       `json:"mm_embedding_dim,omitempty"`
	TextError        string     `gorm:"type:text" json:"text_error,omitempty"`
	MmError          string     `gorm:"type:text" json:"mm_error,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TableName returns the database table name for IndexUnit.
func (IndexUnit) TableName() string {
	return "index_units"
}

// IndexSegment is a single vector contributed by a unit to a vector-store
// table. A segment's vector exists in its lance table iff the row exists.
type IndexSegment struct {
	ID           string    `gorm:"type:text;primaryKey" json:"id"`
	UnitID       string    `gorm:"type:text;not null;index:idx_segments_unit" json:"unit_id"`
	ResourceID   string    `gorm:"type:text;not null;index:idx_segments_resource" json:"resource_id"`
	Modality     Modality  `gorm:"type:text;not null;index:idx_segments_dim" json:"modality"`
	ChunkIndex   int       `gorm:"not null" json:"chunk_index"`
	EmbeddingDim int       `gorm:"not null;index:idx_segments_dim" json:"embedding_dim"`
	LanceRowID   string    `gorm:"type:text;not null" json:"lance_row_id"`
	Metadata     JSONMap   `gorm:"type:text" json:"metadata"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the database table name for IndexSegment.
func (IndexSegment) TableName() string {
	return "index_segments"
}

// Embedding dimension bounds accepted by the registry.
const (
	MinEmbeddingDim = 64
	MaxEmbeddingDim = 8192
)

// EmbeddingDim is one registered (dimension, modality) pair and its logical
// vector-store table.
type EmbeddingDim struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	Dimension      int       `gorm:"not null;uniqueIndex:idx_embedding_dims_key" json:"dimension"`
	Modality       Modality  `gorm:"type:text;not null;uniqueIndex:idx_embedding_dims_key" json:"modality"`
	LanceTableName string    `gorm:"type:text;not null" json:"lance_table_name"`
	RecordCount    int64     `gorm:"not null;default:0" json:"record_count"`
	ModelConfigID  string    `gorm:"type:text" json:"model_config_id,omitempty"`
	ModelName      string    `gorm:"type:text" json:"model_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for EmbeddingDim.
func (EmbeddingDim) TableName() string {
	return "embedding_dims"
}

// LanceTableName derives the vector-store table name for a (modality, dim) pair.
func LanceTableName(modality Modality, dimension int) string {
	return fmt.Sprintf("vfs_emb_%s_%d", modality, dimension)
}

// ValidateDimension checks the registry's accepted dimension range.
func ValidateDimension(dimension int) error {
	if dimension < MinEmbeddingDim || dimension > MaxEmbeddingDim {
		return Validationf("embedding dimension %d out of range [%d, %d]",
			dimension, MinEmbeddingDim, MaxEmbeddingDim)
	}
	return nil
}

package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ResourceType enumerates the resource kinds held in the catalog.
type ResourceType string

const (
	ResourceNote        ResourceType = "note"
	ResourceTextbook    ResourceType = "textbook"
	ResourceExam        ResourceType = "exam"
	ResourceTranslation ResourceType = "translation"
	ResourceEssay       ResourceType = "essay"
	ResourceImage       ResourceType = "image"
	ResourceFile        ResourceType = "file"
	ResourceMindmap     ResourceType = "mindmap"
	ResourceRetrieval   ResourceType = "retrieval"
)

// AllResourceTypes lists every catalog resource kind.
var AllResourceTypes = []ResourceType{
	ResourceNote, ResourceTextbook, ResourceExam, ResourceTranslation,
	ResourceEssay, ResourceImage, ResourceFile, ResourceMindmap, ResourceRetrieval,
}

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	for _, known := range AllResourceTypes {
		if t == known {
			return true
		}
	}
	return false
}

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// JSONMap stores loosely structured payloads as JSON text.
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan JSONMap")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, m)
}

// Resource is one typed row in the catalog representing a user-visible artifact.
// Type-specific data lives in Payload; file-backed kinds also set BlobHash.
// DeletedAt implements the recycle-bin soft delete: NULL means visible.
type Resource struct {
	ID           string       `gorm:"type:text;primaryKey" json:"id"`
	ResourceType ResourceType `gorm:"type:text;not null;index:idx_resources_type" json:"resource_type"`
	Title        string       `gorm:"type:text;not null" json:"title"`
	Tags         StringArray  `gorm:"type:text" json:"tags"`
	Payload      JSONMap      `gorm:"type:text" json:"payload"`
	BlobHash     string       `gorm:"type:text;index:idx_resources_blob" json:"blob_hash,omitempty"`
	ContentHash  string       `gorm:"type:text;index:idx_resources_content_hash" json:"content_hash,omitempty"`
	RefCount     int64        `gorm:"not null;default:0" json:"ref_count"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	DeletedAt    *time.Time   `gorm:"index:idx_resources_deleted" json:"deleted_at,omitempty"`
}

// TableName returns the database table name for Resource.
func (Resource) TableName() string {
	return "resources"
}

// Deleted reports whether the resource sits in the recycle bin.
func (r *Resource) Deleted() bool {
	return r.DeletedAt != nil
}

// Well-known payload keys shared by resource constructors and unit builders.
const (
	PayloadContent       = "content"        // note/essay/mindmap native text
	PayloadSourceText    = "source_text"    // translation input
	PayloadTranslated    = "translated"     // translation output
	PayloadPageCount     = "page_count"     // textbook/exam page total
	PayloadPreviewJSON   = "preview_json"   // per-page preview blob hashes
	PayloadOCRJSON       = "ocr_json"       // per-page OCR text
	PayloadExtractedText = "extracted_text" // native text pulled from a file
	PayloadOCRText       = "ocr_text"       // OCR text for single images/files
	PayloadMimeType      = "mime_type"      // image blob MIME type
	PayloadSourceURL     = "source_url"     // retrieval snapshot origin
	PayloadSnippet       = "snippet"        // retrieval snapshot body
	PayloadSourceKind    = "source_kind"    // retrieval source kind (rag/web/memory)
)

// Folder is a node in the folder tree. Sibling titles are unique per parent.
type Folder struct {
	ID        string     `gorm:"type:text;primaryKey" json:"id"`
	ParentID  *string    `gorm:"type:text;index:idx_folders_parent" json:"parent_id,omitempty"`
	Title     string     `gorm:"type:text;not null" json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `gorm:"index:idx_folders_deleted" json:"deleted_at,omitempty"`
}

// TableName returns the database table name for Folder.
func (Folder) TableName() string {
	return "folders"
}

// FolderItem places one resource into one folder.
type FolderItem struct {
	ID        uint         `gorm:"primaryKey;autoIncrement" json:"-"`
	FolderID  string       `gorm:"type:text;not null;index:idx_folder_items_folder" json:"folder_id"`
	ItemType  ResourceType `gorm:"type:text;not null" json:"item_type"`
	ItemID    string       `gorm:"type:text;not null;uniqueIndex:idx_folder_items_item" json:"item_id"`
	CreatedAt time.Time    `json:"created_at"`
}

// TableName returns the database table name for FolderItem.
func (FolderItem) TableName() string {
	return "folder_items"
}

package domain

import "time"

// Blob is a content-addressed byte object with reference counting.
// The file at blobs_dir/RelativePath exists iff the row exists.
type Blob struct {
	Hash         string    `gorm:"type:text;primaryKey" json:"hash"`
	RelativePath string    `gorm:"type:text;not null" json:"relative_path"`
	Size         int64     `gorm:"not null" json:"size"`
	MimeType     string    `gorm:"type:text" json:"mime_type,omitempty"`
	RefCount     int64     `gorm:"not null;default:0" json:"ref_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the database table name for Blob.
func (Blob) TableName() string {
	return "blobs"
}

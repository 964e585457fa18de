package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BookmarkModel struct {
	ID            string `gorm:"primaryKey"`
	UserID        string `gorm:"not null;index"`
	Kind          string `gorm:"not null"`
	Archived      bool
	Favourited    bool
	Note          string
	TaggingStatus string    `gorm:"not null"`
	Stage         string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;index"`
	UpdatedAt     time.Time `gorm:"not null"`
}

type LinkContentModel struct {
	BookmarkID                string `gorm:"primaryKey"`
	URL                       string `gorm:"not null"`
	Title                     string
	Description               string
	ImageURL                  string
	VideoURL                  string
	HTMLContent               string `gorm:"type:text"`
	ScreenshotAssetID         string
	FullPageScreenshotAssetID string
	VideoAssetID              string
	CrawledAt                 *time.Time
}

type TextContentModel struct {
	BookmarkID string `gorm:"primaryKey"`
	Text       string `gorm:"type:text;not null"`
}

type AssetContentModel struct {
	BookmarkID string         `gorm:"primaryKey"`
	AssetID    string         `gorm:"not null"`
	AssetType  string         `gorm:"not null"`
	Metadata   datatypes.JSON `gorm:"type:jsonb"`
}

type TagModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;uniqueIndex:idx_tags_owner_name"`
	Name      string    `gorm:"not null;uniqueIndex:idx_tags_owner_name"`
	CreatedAt time.Time `gorm:"not null"`
}

// TagAttachmentModel links a bookmark to a tag. AttachedBy is provenance,
// written once on first attach and never updated.
type TagAttachmentModel struct {
	BookmarkID string    `gorm:"primaryKey"`
	TagID      string    `gorm:"primaryKey"`
	AttachedBy string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

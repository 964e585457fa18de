package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"linkhive/internal/util"
	"linkhive/pkg/domain"
)

const migrateLockID int64 = 48214821

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&BookmarkModel{},
			&LinkContentModel{},
			&TextContentModel{},
			&AssetContentModel{},
			&TagModel{},
			&TagAttachmentModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'tag_attachment_models'
					AND constraint_name = 'tag_attachment_models_bookmark_id_fkey'
				) THEN
					ALTER TABLE tag_attachment_models
					ADD CONSTRAINT tag_attachment_models_bookmark_id_fkey
					FOREIGN KEY (bookmark_id) REFERENCES bookmark_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'tag_attachment_models'
					AND constraint_name = 'tag_attachment_models_tag_id_fkey'
				) THEN
					ALTER TABLE tag_attachment_models
					ADD CONSTRAINT tag_attachment_models_tag_id_fkey
					FOREIGN KEY (tag_id) REFERENCES tag_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure attachment foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateBookmark inserts the bookmark row and its single content variant
// row in one transaction: both land or neither does.
func (s *GormStore) CreateBookmark(b domain.Bookmark) error {
	model := bookmarkToModel(b)
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		switch b.Kind {
		case domain.ContentLink:
			if b.Link == nil {
				return fmt.Errorf("link bookmark without link content")
			}
			link := linkToModel(b.ID, *b.Link)
			return tx.Create(&link).Error
		case domain.ContentText:
			if b.Text == nil {
				return fmt.Errorf("text bookmark without text content")
			}
			return tx.Create(&TextContentModel{BookmarkID: b.ID, Text: b.Text.Text}).Error
		case domain.ContentAsset:
			if b.Asset == nil {
				return fmt.Errorf("asset bookmark without asset content")
			}
			asset := assetToModel(b.ID, *b.Asset)
			return tx.Create(&asset).Error
		default:
			return fmt.Errorf("unknown content kind %q", b.Kind)
		}
	})
}

// GetBookmark loads an owner-scoped bookmark with its variant and tags.
func (s *GormStore) GetBookmark(ownerID, id string) (domain.Bookmark, bool, error) {
	var model BookmarkModel
	if err := s.db.First(&model, "id = ? AND user_id = ?", id, ownerID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Bookmark{}, false, nil
		}
		return domain.Bookmark{}, false, err
	}
	return s.hydrate(model)
}

// GetBookmarkByID is the pipeline read path: workers only hold an id.
func (s *GormStore) GetBookmarkByID(id string) (domain.Bookmark, bool, error) {
	var model BookmarkModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Bookmark{}, false, nil
		}
		return domain.Bookmark{}, false, err
	}
	return s.hydrate(model)
}

// LookupBookmarkOwner returns the owner without loading content, so the
// mutation API can check existence before ownership.
func (s *GormStore) LookupBookmarkOwner(id string) (string, bool, error) {
	var model BookmarkModel
	if err := s.db.Select("id", "user_id").First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return model.UserID, true, nil
}

func (s *GormStore) hydrate(model BookmarkModel) (domain.Bookmark, bool, error) {
	b := bookmarkFromModel(model)
	switch b.Kind {
	case domain.ContentLink:
		var link LinkContentModel
		if err := s.db.First(&link, "bookmark_id = ?", b.ID).Error; err == nil {
			content := linkFromModel(link)
			b.Link = &content
		} else if err != gorm.ErrRecordNotFound {
			return domain.Bookmark{}, false, err
		}
	case domain.ContentText:
		var text TextContentModel
		if err := s.db.First(&text, "bookmark_id = ?", b.ID).Error; err == nil {
			b.Text = &domain.TextContent{Text: text.Text}
		} else if err != gorm.ErrRecordNotFound {
			return domain.Bookmark{}, false, err
		}
	case domain.ContentAsset:
		var asset AssetContentModel
		if err := s.db.First(&asset, "bookmark_id = ?", b.ID).Error; err == nil {
			content := assetFromModel(asset)
			b.Asset = &content
		} else if err != gorm.ErrRecordNotFound {
			return domain.Bookmark{}, false, err
		}
	}
	tags, err := s.bookmarkTags(b.ID)
	if err != nil {
		return domain.Bookmark{}, false, err
	}
	b.Tags = tags
	return b, true, nil
}

func (s *GormStore) bookmarkTags(bookmarkID string) ([]domain.Tag, error) {
	type row struct {
		TagModel
		AttachedBy string
	}
	var rows []row
	if err := s.db.Model(&TagModel{}).
		Select("tag_models.*, tag_attachment_models.attached_by").
		Joins("JOIN tag_attachment_models ON tag_attachment_models.tag_id = tag_models.id").
		Where("tag_attachment_models.bookmark_id = ?", bookmarkID).
		Order("tag_models.name ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	tags := make([]domain.Tag, 0, len(rows))
	for _, r := range rows {
		tag := tagFromModel(r.TagModel)
		tag.AttachedBy = domain.TagProvenance(r.AttachedBy)
		tags = append(tags, tag)
	}
	return tags, nil
}

// ListBookmarks pages newest-first using createdAt as the cursor.
func (s *GormStore) ListBookmarks(ownerID string, opts ListOptions) ([]domain.Bookmark, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	tx := s.db.Where("user_id = ?", ownerID)
	if !opts.Cursor.IsZero() {
		tx = tx.Where("created_at < ?", opts.Cursor)
	}
	if opts.Archived != nil {
		tx = tx.Where("archived = ?", *opts.Archived)
	}
	if opts.Favourited != nil {
		tx = tx.Where("favourited = ?", *opts.Favourited)
	}
	var models []BookmarkModel
	if err := tx.Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Bookmark, 0, len(models))
	for _, m := range models {
		b, _, err := s.hydrate(m)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, nil
}

// SetFlags updates archived/favourited for fields the caller supplied.
func (s *GormStore) SetFlags(ownerID, id string, archived, favourited *bool) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if archived != nil {
		updates["archived"] = *archived
	}
	if favourited != nil {
		updates["favourited"] = *favourited
	}
	return s.db.Model(&BookmarkModel{}).
		Where("id = ? AND user_id = ?", id, ownerID).
		Updates(updates).Error
}

func (s *GormStore) SetNote(ownerID, id, note string) error {
	return s.db.Model(&BookmarkModel{}).
		Where("id = ? AND user_id = ?", id, ownerID).
		Updates(map[string]any{"note": note, "updated_at": time.Now().UTC()}).Error
}

func (s *GormStore) UpdateText(ownerID, id, text string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var model BookmarkModel
		if err := tx.First(&model, "id = ? AND user_id = ?", id, ownerID).Error; err != nil {
			return err
		}
		if err := tx.Model(&TextContentModel{}).
			Where("bookmark_id = ?", id).
			Update("text", text).Error; err != nil {
			return err
		}
		return tx.Model(&BookmarkModel{}).
			Where("id = ?", id).
			Update("updated_at", time.Now().UTC()).Error
	})
}

// DeleteBookmark removes the bookmark, its variant row, and attachments in
// one transaction. Returns whether a bookmark row was actually removed so
// asset release can be gated on it.
func (s *GormStore) DeleteBookmark(ownerID, id string) (bool, error) {
	deleted := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&TagAttachmentModel{}, "bookmark_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&LinkContentModel{}, "bookmark_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&TextContentModel{}, "bookmark_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&AssetContentModel{}, "bookmark_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&BookmarkModel{}, "id = ? AND user_id = ?", id, ownerID)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	return deleted, err
}

// SetCrawlResult writes crawl output, only touching fields the crawl
// actually produced, and stamps crawledAt exactly once. A replayed job
// finds crawledAt set and becomes a no-op.
func (s *GormStore) SetCrawlResult(id string, res domain.CrawlResult, crawledAt time.Time) (bool, error) {
	updates := map[string]any{"crawled_at": crawledAt.UTC()}
	if res.Title != "" {
		updates["title"] = res.Title
	}
	if res.Description != "" {
		updates["description"] = res.Description
	}
	if res.ImageURL != "" {
		updates["image_url"] = res.ImageURL
	}
	if res.VideoURL != "" {
		updates["video_url"] = res.VideoURL
	}
	if res.HTMLContent != "" {
		updates["html_content"] = res.HTMLContent
	}
	tx := s.db.Model(&LinkContentModel{}).
		Where("bookmark_id = ? AND crawled_at IS NULL", id).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (s *GormStore) SetScreenshotAssets(id, screenshotAssetID, fullPageAssetID string) error {
	updates := map[string]any{}
	if screenshotAssetID != "" {
		updates["screenshot_asset_id"] = screenshotAssetID
	}
	if fullPageAssetID != "" {
		updates["full_page_screenshot_asset_id"] = fullPageAssetID
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.Model(&LinkContentModel{}).
		Where("bookmark_id = ?", id).
		Updates(updates).Error
}

func (s *GormStore) SetVideoAsset(id, assetID string) error {
	return s.db.Model(&LinkContentModel{}).
		Where("bookmark_id = ?", id).
		Update("video_asset_id", assetID).Error
}

// SetTaggingStatus transitions the tagging status only when the current
// value matches from, making stage execution idempotent under duplicate
// delivery.
func (s *GormStore) SetTaggingStatus(id string, from, to domain.TaggingStatus) (bool, error) {
	tx := s.db.Model(&BookmarkModel{}).
		Where("id = ? AND tagging_status = ?", id, string(from)).
		Updates(map[string]any{
			"tagging_status": string(to),
			"updated_at":     time.Now().UTC(),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// SetStage is the compare-and-set behind the enrichment state machine.
func (s *GormStore) SetStage(id string, from, to domain.StageState) (bool, error) {
	tx := s.db.Model(&BookmarkModel{}).
		Where("id = ? AND stage = ?", id, string(from)).
		Updates(map[string]any{
			"stage":      string(to),
			"updated_at": time.Now().UTC(),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// ResetEnrichment rewinds a bookmark for a manual re-crawl: tagging back
// to pending, stage back to created, crawledAt cleared.
func (s *GormStore) ResetEnrichment(ownerID, id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&BookmarkModel{}).
			Where("id = ? AND user_id = ?", id, ownerID).
			Updates(map[string]any{
				"tagging_status": string(domain.TaggingPending),
				"stage":          string(domain.StageCreated),
				"updated_at":     time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&LinkContentModel{}).
			Where("bookmark_id = ?", id).
			Update("crawled_at", nil).Error
	})
}

// EnsureTag returns the owner's tag with this name, creating it if absent.
func (s *GormStore) EnsureTag(ownerID, name string) (domain.Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Tag{}, fmt.Errorf("tag name required")
	}
	model := TagModel{
		ID:        util.NewID(),
		UserID:    ownerID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "name"}},
		DoNothing: true,
	}).Create(&model).Error; err != nil {
		return domain.Tag{}, err
	}
	var existing TagModel
	if err := s.db.First(&existing, "user_id = ? AND name = ?", ownerID, name).Error; err != nil {
		return domain.Tag{}, err
	}
	return tagFromModel(existing), nil
}

func (s *GormStore) GetTag(ownerID, id string) (domain.Tag, bool, error) {
	var model TagModel
	if err := s.db.First(&model, "id = ? AND user_id = ?", id, ownerID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Tag{}, false, nil
		}
		return domain.Tag{}, false, err
	}
	return tagFromModel(model), true, nil
}

func (s *GormStore) ListTags(ownerID string) ([]domain.Tag, error) {
	var models []TagModel
	if err := s.db.Where("user_id = ?", ownerID).Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Tag, 0, len(models))
	for _, m := range models {
		res = append(res, tagFromModel(m))
	}
	return res, nil
}

// DeleteTag removes the tag and cascades its attachments.
func (s *GormStore) DeleteTag(ownerID, id string) (bool, error) {
	deleted := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&TagAttachmentModel{}, "tag_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&TagModel{}, "id = ? AND user_id = ?", id, ownerID)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	return deleted, err
}

// AttachTag is idempotent: re-attaching keeps the original row, so the
// first writer's provenance wins.
func (s *GormStore) AttachTag(bookmarkID, tagID string, by domain.TagProvenance) error {
	model := TagAttachmentModel{
		BookmarkID: bookmarkID,
		TagID:      tagID,
		AttachedBy: string(by),
		CreatedAt:  time.Now().UTC(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bookmark_id"}, {Name: "tag_id"}},
		DoNothing: true,
	}).Create(&model).Error
}

func (s *GormStore) DetachTag(bookmarkID, tagID string) error {
	return s.db.Delete(&TagAttachmentModel{}, "bookmark_id = ? AND tag_id = ?", bookmarkID, tagID).Error
}

func bookmarkToModel(b domain.Bookmark) BookmarkModel {
	return BookmarkModel{
		ID:            b.ID,
		UserID:        b.UserID,
		Kind:          string(b.Kind),
		Archived:      b.Archived,
		Favourited:    b.Favourited,
		Note:          b.Note,
		TaggingStatus: string(b.TaggingStatus),
		Stage:         string(b.Stage),
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func bookmarkFromModel(m BookmarkModel) domain.Bookmark {
	return domain.Bookmark{
		ID:            m.ID,
		UserID:        m.UserID,
		Kind:          domain.ContentKind(m.Kind),
		Archived:      m.Archived,
		Favourited:    m.Favourited,
		Note:          m.Note,
		TaggingStatus: domain.TaggingStatus(m.TaggingStatus),
		Stage:         domain.StageState(m.Stage),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func linkToModel(bookmarkID string, l domain.LinkContent) LinkContentModel {
	return LinkContentModel{
		BookmarkID:                bookmarkID,
		URL:                       l.URL,
		Title:                     l.Title,
		Description:               l.Description,
		ImageURL:                  l.ImageURL,
		VideoURL:                  l.VideoURL,
		HTMLContent:               l.HTMLContent,
		ScreenshotAssetID:         l.ScreenshotAssetID,
		FullPageScreenshotAssetID: l.FullPageScreenshotAssetID,
		VideoAssetID:              l.VideoAssetID,
		CrawledAt:                 l.CrawledAt,
	}
}

func linkFromModel(m LinkContentModel) domain.LinkContent {
	return domain.LinkContent{
		URL:                       m.URL,
		Title:                     m.Title,
		Description:               m.Description,
		ImageURL:                  m.ImageURL,
		VideoURL:                  m.VideoURL,
		HTMLContent:               m.HTMLContent,
		ScreenshotAssetID:         m.ScreenshotAssetID,
		FullPageScreenshotAssetID: m.FullPageScreenshotAssetID,
		VideoAssetID:              m.VideoAssetID,
		CrawledAt:                 m.CrawledAt,
	}
}

func assetToModel(bookmarkID string, a domain.AssetContent) AssetContentModel {
	meta, _ := json.Marshal(a.Metadata)
	return AssetContentModel{
		BookmarkID: bookmarkID,
		AssetID:    a.AssetID,
		AssetType:  string(a.AssetType),
		Metadata:   datatypes.JSON(meta),
	}
}

func assetFromModel(m AssetContentModel) domain.AssetContent {
	var meta map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.AssetContent{
		AssetID:   m.AssetID,
		AssetType: domain.AssetType(m.AssetType),
		Metadata:  meta,
	}
}

func tagFromModel(m TagModel) domain.Tag {
	return domain.Tag{
		ID:        m.ID,
		UserID:    m.UserID,
		Name:      m.Name,
		CreatedAt: m.CreatedAt,
	}
}

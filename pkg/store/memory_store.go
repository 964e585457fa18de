package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"linkhive/internal/util"
	"linkhive/pkg/domain"
)

// MemoryStore keeps bookmarks in-process. It mirrors GormStore semantics
// closely enough to back worker and API tests without a database.
type MemoryStore struct {
	mu          sync.RWMutex
	bookmarks   map[string]domain.Bookmark
	tags        map[string]domain.Tag
	attachments map[string]map[string]domain.TagProvenance // bookmarkID -> tagID -> provenance
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookmarks:   make(map[string]domain.Bookmark),
		tags:        make(map[string]domain.Tag),
		attachments: make(map[string]map[string]domain.TagProvenance),
	}
}

func (m *MemoryStore) CreateBookmark(b domain.Bookmark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bookmarks[b.ID]; exists {
		return fmt.Errorf("bookmark %s already exists", b.ID)
	}
	m.bookmarks[b.ID] = cloneBookmark(b)
	return nil
}

func (m *MemoryStore) GetBookmark(ownerID, id string) (domain.Bookmark, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookmarks[id]
	if !ok || b.UserID != ownerID {
		return domain.Bookmark{}, false, nil
	}
	return m.withTags(b), true, nil
}

func (m *MemoryStore) GetBookmarkByID(id string) (domain.Bookmark, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookmarks[id]
	if !ok {
		return domain.Bookmark{}, false, nil
	}
	return m.withTags(b), true, nil
}

func (m *MemoryStore) LookupBookmarkOwner(id string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookmarks[id]
	if !ok {
		return "", false, nil
	}
	return b.UserID, true, nil
}

func (m *MemoryStore) ListBookmarks(ownerID string, opts ListOptions) ([]domain.Bookmark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	var res []domain.Bookmark
	for _, b := range m.bookmarks {
		if b.UserID != ownerID {
			continue
		}
		if !opts.Cursor.IsZero() && !b.CreatedAt.Before(opts.Cursor) {
			continue
		}
		if opts.Archived != nil && b.Archived != *opts.Archived {
			continue
		}
		if opts.Favourited != nil && b.Favourited != *opts.Favourited {
			continue
		}
		res = append(res, m.withTags(b))
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) SetFlags(ownerID, id string, archived, favourited *bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookmarks[id]
	if !ok || b.UserID != ownerID {
		return nil
	}
	if archived != nil {
		b.Archived = *archived
	}
	if favourited != nil {
		b.Favourited = *favourited
	}
	b.UpdatedAt = time.Now().UTC()
	m.bookmarks[id] = b
	return nil
}

func (m *MemoryStore) SetNote(ownerID, id, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookmarks[id]
	if !ok || b.UserID != ownerID {
		return nil
	}
	b.Note = note
	b.UpdatedAt = time.Now().UTC()
	m.bookmarks[id] = b
	return nil
}

func (m *MemoryStore) UpdateText(ownerID, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookmarks[id]
	if !ok || b.UserID != ownerID || b.Text == nil {
		return nil
	}
	b.Text = &domain.TextContent{Text: text}
	b.UpdatedAt = time.Now().UTC()
	m.bookmarks[id] = b
	return nil
}

func (m *MemoryStore) DeleteBookmark(ownerID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookmarks[id]
	if !ok || b.UserID != ownerID {
		return false, nil
	}
	delete(m.bookmarks, id)
	delete(m.attachments, id)
	return true, nil
}

func (m *MemoryStore) SetCrawlResult(id string, res domain.CrawlResult, crawledAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookmarks[id]
	if !ok || b.Link == nil || b.Link.CrawledAt != nil {
		return false, nil
	}
	link := *b.Link
	if res.Title != "" {
		link.Title = res.Title
	}
	if res.Description != "" {
		link.Description = res.Description
	}
	if res.ImageURL != "" {
		link.ImageURL = res.ImageURL
	}
	if res.VideoURL != "" {
		link.VideoURL = res.VideoURL
	}
	if res.HTMLContent != "" {
		link.HTMLContent = res.HTMLContent
	}
	at := crawledAt.UTC()
	link.CrawledAt = &at
	b.Link = &link
	b.UpdatedAt = time.Now().UTC()
	m.bookmarks[id] = b
	return true, nil
}

func (m *MemoryStore) SetScreenshotAssets(id, screenshotAssetID, fullPageAssetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookmarks[id]
	if !ok || b.Link == nil {
		return nil
	}
	link := *b.Link
	if screenshotAssetID != "" {
		link.ScreenshotAssetID = screenshotAssetID
	}
	if fullPageAssetID != "" {
		link.FullPageScreenshotAssetID = fullPageAssetID
	}
	b.Link = &link
	m.bookmarks[id] = b
	return nil
}

func (m *MemoryStore) SetVideoAsset(id, assetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookmarks[id]
	if !ok || b.Link == nil {
		return nil
	}
	link := *b.Link
	link.VideoAssetID = assetID
	b.Link = &link
	m.bookmarks[id] = b
	return nil
}

func (m *MemoryStore) SetTaggingStatus(id string, from, to domain.TaggingStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookmarks[id]
	if !ok || b.TaggingStatus != from {
		return false, nil
	}
	b.TaggingStatus = to
	b.UpdatedAt = time.Now().UTC()
	m.bookmarks[id] = b
	return true, nil
}

func (m *MemoryStore) SetStage(id string, from, to domain.StageState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookmarks[id]
	if !ok || b.Stage != from {
		return false, nil
	}
	b.Stage = to
	b.UpdatedAt = time.Now().UTC()
	m.bookmarks[id] = b
	return true, nil
}

func (m *MemoryStore) ResetEnrichment(ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookmarks[id]
	if !ok || b.UserID != ownerID {
		return nil
	}
	b.TaggingStatus = domain.TaggingPending
	b.Stage = domain.StageCreated
	if b.Link != nil {
		link := *b.Link
		link.CrawledAt = nil
		b.Link = &link
	}
	b.UpdatedAt = time.Now().UTC()
	m.bookmarks[id] = b
	return nil
}

func (m *MemoryStore) EnsureTag(ownerID, name string) (domain.Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Tag{}, fmt.Errorf("tag name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tags {
		if t.UserID == ownerID && t.Name == name {
			return t, nil
		}
	}
	tag := domain.Tag{
		ID:        util.NewID(),
		UserID:    ownerID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	m.tags[tag.ID] = tag
	return tag, nil
}

func (m *MemoryStore) GetTag(ownerID, id string) (domain.Tag, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tags[id]
	if !ok || t.UserID != ownerID {
		return domain.Tag{}, false, nil
	}
	return t, true, nil
}

func (m *MemoryStore) ListTags(ownerID string) ([]domain.Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Tag
	for _, t := range m.tags {
		if t.UserID == ownerID {
			res = append(res, t)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (m *MemoryStore) DeleteTag(ownerID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tags[id]
	if !ok || t.UserID != ownerID {
		return false, nil
	}
	delete(m.tags, id)
	for bookmarkID := range m.attachments {
		delete(m.attachments[bookmarkID], id)
	}
	return true, nil
}

func (m *MemoryStore) AttachTag(bookmarkID, tagID string, by domain.TagProvenance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attachments[bookmarkID] == nil {
		m.attachments[bookmarkID] = make(map[string]domain.TagProvenance)
	}
	// first writer wins; re-attach is a no-op
	if _, exists := m.attachments[bookmarkID][tagID]; exists {
		return nil
	}
	m.attachments[bookmarkID][tagID] = by
	return nil
}

func (m *MemoryStore) DetachTag(bookmarkID, tagID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attachments[bookmarkID], tagID)
	return nil
}

func (m *MemoryStore) withTags(b domain.Bookmark) domain.Bookmark {
	out := cloneBookmark(b)
	attached := m.attachments[b.ID]
	if len(attached) == 0 {
		return out
	}
	tags := make([]domain.Tag, 0, len(attached))
	for tagID, by := range attached {
		t, ok := m.tags[tagID]
		if !ok {
			continue
		}
		t.AttachedBy = by
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	out.Tags = tags
	return out
}

func cloneBookmark(b domain.Bookmark) domain.Bookmark {
	out := b
	if b.Link != nil {
		link := *b.Link
		out.Link = &link
	}
	if b.Text != nil {
		text := *b.Text
		out.Text = &text
	}
	if b.Asset != nil {
		asset := *b.Asset
		if b.Asset.Metadata != nil {
			meta := make(map[string]string, len(b.Asset.Metadata))
			for k, v := range b.Asset.Metadata {
				meta[k] = v
			}
			asset.Metadata = meta
		}
		out.Asset = &asset
	}
	out.Tags = nil
	return out
}

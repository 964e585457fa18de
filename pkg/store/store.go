package store

import (
	"errors"
	"time"

	"linkhive/pkg/domain"
)

// ErrDuplicateTag reports a per-owner tag name collision.
var ErrDuplicateTag = errors.New("tag name already exists")

// ListOptions controls cursor pagination over bookmarks. Cursor is the
// last-seen createdAt; zero means "from the newest".
type ListOptions struct {
	Cursor     time.Time
	Limit      int
	Archived   *bool
	Favourited *bool
}

// Store defines persistence operations for bookmarks, their content
// variants, and tags. Reads and user-facing writes are owner-scoped;
// the ByID variants exist for pipeline workers, which receive only a
// bookmark id and re-read authoritative state.
type Store interface {
	// bookmarks
	CreateBookmark(b domain.Bookmark) error
	GetBookmark(ownerID, id string) (domain.Bookmark, bool, error)
	GetBookmarkByID(id string) (domain.Bookmark, bool, error)
	LookupBookmarkOwner(id string) (string, bool, error)
	ListBookmarks(ownerID string, opts ListOptions) ([]domain.Bookmark, error)
	SetFlags(ownerID, id string, archived, favourited *bool) error
	SetNote(ownerID, id, note string) error
	UpdateText(ownerID, id, text string) error
	DeleteBookmark(ownerID, id string) (bool, error)

	// stage writes, each narrow enough that concurrent stages touch
	// disjoint fields
	SetCrawlResult(id string, res domain.CrawlResult, crawledAt time.Time) (bool, error)
	SetScreenshotAssets(id, screenshotAssetID, fullPageAssetID string) error
	SetVideoAsset(id, assetID string) error
	SetTaggingStatus(id string, from, to domain.TaggingStatus) (bool, error)
	SetStage(id string, from, to domain.StageState) (bool, error)
	ResetEnrichment(ownerID, id string) error

	// tags
	EnsureTag(ownerID, name string) (domain.Tag, error)
	GetTag(ownerID, id string) (domain.Tag, bool, error)
	ListTags(ownerID string) ([]domain.Tag, error)
	DeleteTag(ownerID, id string) (bool, error)
	AttachTag(bookmarkID, tagID string, by domain.TagProvenance) error
	DetachTag(bookmarkID, tagID string) error
}

// Scoped binds an owner id once so call sites cannot forget the tenant
// filter.
type Scoped struct {
	s       Store
	ownerID string
}

// ForOwner returns a view of s pre-filtered to one owner.
func ForOwner(s Store, ownerID string) *Scoped {
	return &Scoped{s: s, ownerID: ownerID}
}

func (sc *Scoped) OwnerID() string { return sc.ownerID }

func (sc *Scoped) Get(id string) (domain.Bookmark, bool, error) {
	return sc.s.GetBookmark(sc.ownerID, id)
}

func (sc *Scoped) List(opts ListOptions) ([]domain.Bookmark, error) {
	return sc.s.ListBookmarks(sc.ownerID, opts)
}

func (sc *Scoped) SetFlags(id string, archived, favourited *bool) error {
	return sc.s.SetFlags(sc.ownerID, id, archived, favourited)
}

func (sc *Scoped) SetNote(id, note string) error {
	return sc.s.SetNote(sc.ownerID, id, note)
}

func (sc *Scoped) UpdateText(id, text string) error {
	return sc.s.UpdateText(sc.ownerID, id, text)
}

func (sc *Scoped) Delete(id string) (bool, error) {
	return sc.s.DeleteBookmark(sc.ownerID, id)
}

func (sc *Scoped) ResetEnrichment(id string) error {
	return sc.s.ResetEnrichment(sc.ownerID, id)
}

func (sc *Scoped) EnsureTag(name string) (domain.Tag, error) {
	return sc.s.EnsureTag(sc.ownerID, name)
}

func (sc *Scoped) GetTag(id string) (domain.Tag, bool, error) {
	return sc.s.GetTag(sc.ownerID, id)
}

func (sc *Scoped) ListTags() ([]domain.Tag, error) {
	return sc.s.ListTags(sc.ownerID)
}

func (sc *Scoped) DeleteTag(id string) (bool, error) {
	return sc.s.DeleteTag(sc.ownerID, id)
}

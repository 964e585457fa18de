package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"linkhive/internal/util"
	"linkhive/pkg/domain"
	"linkhive/pkg/queue"
	"linkhive/pkg/search"
	"linkhive/pkg/storage"
	"linkhive/pkg/store"
)

// JobQueue is the producer-side slice of the queue the API needs.
type JobQueue interface {
	Enqueue(ctx context.Context, topic queue.Topic, payload queue.Payload) (queue.JobStatus, error)
	GetJob(ctx context.Context, topic queue.Topic, jobID string) (queue.JobStatus, bool, error)
}

// App is the mutation boundary. It is the sole producer into the job
// queue: every write commits to the store first and enqueues stage jobs
// strictly afterwards, so a crash between the two loses at most the
// enqueue (recoverable with a manual re-crawl).
type App struct {
	store      store.Store
	jobs       JobQueue
	search     search.Client
	blobs      storage.ObjectStore
	logger     *slog.Logger
	presignTTL time.Duration
}

type Options struct {
	Store      store.Store
	Queue      JobQueue
	Search     search.Client
	Objects    storage.ObjectStore
	Logger     *slog.Logger
	PresignTTL time.Duration
}

func New(opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sc := opts.Search
	if sc == nil {
		sc = search.Disabled{}
	}
	ttl := opts.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &App{
		store:      opts.Store,
		jobs:       opts.Queue,
		search:     sc,
		blobs:      opts.Objects,
		logger:     logger,
		presignTTL: ttl,
	}
}

// authorize loads a bookmark and gates it: existence first, ownership
// second. The two failures stay distinguishable internally; the
// transport maps both to the same external status class.
func (a *App) authorize(ownerID, id string) (domain.Bookmark, error) {
	b, ok, err := a.store.GetBookmarkByID(id)
	if err != nil {
		return domain.Bookmark{}, err
	}
	if !ok {
		return domain.Bookmark{}, fmt.Errorf("bookmark %s: %w", id, ErrNotFound)
	}
	if b.UserID != ownerID {
		return domain.Bookmark{}, fmt.Errorf("bookmark %s: %w", id, ErrForbidden)
	}
	return b, nil
}

// CreateLinkBookmark saves a link and kicks off the crawl chain.
func (a *App) CreateLinkBookmark(ctx context.Context, ownerID, rawURL, note string) (domain.Bookmark, error) {
	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return domain.Bookmark{}, fmt.Errorf("%w: invalid url %q", ErrValidation, rawURL)
	}
	b := a.newBookmark(ownerID, domain.ContentLink, note)
	b.Stage = domain.StageCreated
	b.Link = &domain.LinkContent{URL: parsed.String()}
	if err := a.store.CreateBookmark(b); err != nil {
		return domain.Bookmark{}, fmt.Errorf("create bookmark: %w", err)
	}
	a.produce(ctx, queue.TopicCrawl, queue.Payload{BookmarkID: b.ID})
	a.produce(ctx, queue.TopicSearch, queue.Payload{BookmarkID: b.ID, Kind: queue.KindIndex})
	return b, nil
}

// CreateTextBookmark saves free text; tagging starts immediately and no
// crawl job is ever produced for it.
func (a *App) CreateTextBookmark(ctx context.Context, ownerID, text, note string) (domain.Bookmark, error) {
	if err := validateText(text); err != nil {
		return domain.Bookmark{}, err
	}
	b := a.newBookmark(ownerID, domain.ContentText, note)
	b.Stage = domain.StageTagging
	b.Text = &domain.TextContent{Text: text}
	if err := a.store.CreateBookmark(b); err != nil {
		return domain.Bookmark{}, fmt.Errorf("create bookmark: %w", err)
	}
	a.produce(ctx, queue.TopicTag, queue.Payload{BookmarkID: b.ID})
	a.produce(ctx, queue.TopicSearch, queue.Payload{BookmarkID: b.ID, Kind: queue.KindIndex})
	return b, nil
}

// CreateAssetBookmark uploads the blob first, then inserts the row. An
// insert failure releases the just-uploaded blob so nothing leaks.
func (a *App) CreateAssetBookmark(ctx context.Context, ownerID string, assetType domain.AssetType, r io.Reader, size int64, contentType, note string, metadata map[string]string) (domain.Bookmark, error) {
	if assetType != domain.AssetImage && assetType != domain.AssetPDF {
		return domain.Bookmark{}, fmt.Errorf("%w: unsupported asset type %q", ErrValidation, assetType)
	}
	if a.blobs == nil {
		return domain.Bookmark{}, fmt.Errorf("%w: asset storage not configured", ErrValidation)
	}
	assetID := util.NewID()
	key := storage.AssetKey(ownerID, assetID)
	if err := a.blobs.Put(ctx, key, r, size, contentType); err != nil {
		return domain.Bookmark{}, fmt.Errorf("upload asset: %w", err)
	}
	b := a.newBookmark(ownerID, domain.ContentAsset, note)
	b.Stage = domain.StageTagging
	b.Asset = &domain.AssetContent{AssetID: assetID, AssetType: assetType, Metadata: metadata}
	if err := a.store.CreateBookmark(b); err != nil {
		_ = a.blobs.Release(ctx, key)
		return domain.Bookmark{}, fmt.Errorf("create bookmark: %w", err)
	}
	a.produce(ctx, queue.TopicTag, queue.Payload{BookmarkID: b.ID})
	a.produce(ctx, queue.TopicSearch, queue.Payload{BookmarkID: b.ID, Kind: queue.KindIndex})
	return b, nil
}

func (a *App) newBookmark(ownerID string, kind domain.ContentKind, note string) domain.Bookmark {
	now := time.Now().UTC()
	return domain.Bookmark{
		ID:            util.NewID(),
		UserID:        ownerID,
		Kind:          kind,
		Note:          strings.TrimSpace(note),
		TaggingStatus: domain.TaggingPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (a *App) GetBookmark(ctx context.Context, ownerID, id string) (domain.Bookmark, error) {
	return a.authorize(ownerID, id)
}

func (a *App) ListBookmarks(ctx context.Context, ownerID string, opts store.ListOptions) ([]domain.Bookmark, error) {
	return store.ForOwner(a.store, ownerID).List(opts)
}

// UpdateRequest is a partial patch; nil fields are untouched.
type UpdateRequest struct {
	Archived   *bool
	Favourited *bool
	Note       *string
	Text       *string
}

// UpdateBookmark applies flag/note/text edits and re-indexes.
func (a *App) UpdateBookmark(ctx context.Context, ownerID, id string, req UpdateRequest) (domain.Bookmark, error) {
	b, err := a.authorize(ownerID, id)
	if err != nil {
		return domain.Bookmark{}, err
	}
	sc := store.ForOwner(a.store, ownerID)
	if req.Text != nil {
		if b.Kind != domain.ContentText {
			return domain.Bookmark{}, fmt.Errorf("%w: only text bookmarks have editable text", ErrValidation)
		}
		if err := validateText(*req.Text); err != nil {
			return domain.Bookmark{}, err
		}
		if err := sc.UpdateText(id, *req.Text); err != nil {
			return domain.Bookmark{}, fmt.Errorf("update text: %w", err)
		}
	}
	if req.Archived != nil || req.Favourited != nil {
		if err := sc.SetFlags(id, req.Archived, req.Favourited); err != nil {
			return domain.Bookmark{}, fmt.Errorf("update flags: %w", err)
		}
	}
	if req.Note != nil {
		if err := sc.SetNote(id, strings.TrimSpace(*req.Note)); err != nil {
			return domain.Bookmark{}, fmt.Errorf("update note: %w", err)
		}
	}
	a.produce(ctx, queue.TopicSearch, queue.Payload{BookmarkID: id, Kind: queue.KindIndex})
	updated, _, err := a.store.GetBookmarkByID(id)
	if err != nil {
		return domain.Bookmark{}, err
	}
	return updated, nil
}

// RecrawlBookmark resets enrichment and re-enqueues the first stage
// unconditionally, regardless of the current crawledAt.
func (a *App) RecrawlBookmark(ctx context.Context, ownerID, id string) (queue.JobStatus, error) {
	b, err := a.authorize(ownerID, id)
	if err != nil {
		return queue.JobStatus{}, err
	}
	if err := store.ForOwner(a.store, ownerID).ResetEnrichment(id); err != nil {
		return queue.JobStatus{}, fmt.Errorf("reset enrichment: %w", err)
	}
	topic := queue.TopicTag
	if b.Kind == domain.ContentLink {
		topic = queue.TopicCrawl
	}
	job, err := a.jobs.Enqueue(ctx, topic, queue.Payload{BookmarkID: id})
	if err != nil {
		return queue.JobStatus{}, fmt.Errorf("enqueue %s job: %w", topic, err)
	}
	return job, nil
}

// DeleteBookmark removes the row, schedules the search document removal,
// and releases attached blobs. Release is gated on the delete having
// actually removed a row so a racing delete cannot double-release.
func (a *App) DeleteBookmark(ctx context.Context, ownerID, id string) error {
	b, err := a.authorize(ownerID, id)
	if err != nil {
		return err
	}
	deleted, err := store.ForOwner(a.store, ownerID).Delete(id)
	if err != nil {
		return fmt.Errorf("delete bookmark: %w", err)
	}
	if !deleted {
		return nil
	}
	a.produce(ctx, queue.TopicSearch, queue.Payload{BookmarkID: id, Kind: queue.KindDelete})
	a.releaseAssets(ctx, b)
	return nil
}

func (a *App) releaseAssets(ctx context.Context, b domain.Bookmark) {
	if a.blobs == nil {
		return
	}
	var assetIDs []string
	if b.Asset != nil {
		assetIDs = append(assetIDs, b.Asset.AssetID)
	}
	if b.Link != nil {
		for _, id := range []string{b.Link.ScreenshotAssetID, b.Link.FullPageScreenshotAssetID, b.Link.VideoAssetID} {
			if id != "" {
				assetIDs = append(assetIDs, id)
			}
		}
	}
	for _, assetID := range assetIDs {
		if err := a.blobs.Release(ctx, storage.AssetKey(b.UserID, assetID)); err != nil {
			a.logger.Warn("release asset", "bookmark_id", b.ID, "asset_id", assetID, "error", err)
		}
	}
}

// AssetURL hands out a short-lived download URL for an owner's asset.
// Keys are namespaced per owner, so presigning cannot cross tenants.
func (a *App) AssetURL(ctx context.Context, ownerID, assetID string) (string, error) {
	if a.blobs == nil {
		return "", fmt.Errorf("%w: asset storage not configured", ErrValidation)
	}
	return a.blobs.PresignGet(ctx, storage.AssetKey(ownerID, assetID), a.presignTTL)
}

// Search queries the engine owner-scoped and hydrates hits from the
// store. A hit whose row vanished since indexing is dropped, not an
// error. When no engine is configured the query fails closed.
func (a *App) Search(ctx context.Context, ownerID, text string, limit int) ([]domain.Bookmark, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty query", ErrValidation)
	}
	hits, err := a.search.Search(ctx, search.Query{OwnerID: ownerID, Text: text, Limit: limit})
	if err != nil {
		return nil, err
	}
	sc := store.ForOwner(a.store, ownerID)
	out := make([]domain.Bookmark, 0, len(hits))
	for _, hit := range hits {
		b, ok, err := sc.Get(hit.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, b)
		}
	}
	return out, nil
}

// GetJobStatus exposes queue introspection for polling clients.
func (a *App) GetJobStatus(ctx context.Context, topic queue.Topic, jobID string) (queue.JobStatus, error) {
	job, ok, err := a.jobs.GetJob(ctx, topic, jobID)
	if err != nil {
		return queue.JobStatus{}, err
	}
	if !ok {
		return queue.JobStatus{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return job, nil
}

// produce enqueues after the owning write committed. A failed enqueue is
// logged, not surfaced: the mutation already succeeded and a manual
// re-crawl recovers the lost stage.
func (a *App) produce(ctx context.Context, topic queue.Topic, payload queue.Payload) {
	if _, err := a.jobs.Enqueue(ctx, topic, payload); err != nil {
		a.logger.Error("enqueue job", "topic", topic, "bookmark_id", payload.BookmarkID, "error", err)
	}
}

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text required", ErrValidation)
	}
	// The cap is on characters, not bytes.
	if utf8.RuneCountInString(text) > domain.MaxTextLength {
		return fmt.Errorf("%w: text exceeds %d characters", ErrValidation, domain.MaxTextLength)
	}
	return nil
}

package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"linkhive/internal/util"
	"linkhive/pkg/domain"
	"linkhive/pkg/queue"
	"linkhive/pkg/search"
	"linkhive/pkg/store"
)

type enqueuedJob struct {
	topic   queue.Topic
	payload queue.Payload
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []enqueuedJob
	byID map[string]queue.JobStatus
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{byID: make(map[string]queue.JobStatus)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, topic queue.Topic, payload queue.Payload) (queue.JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, enqueuedJob{topic: topic, payload: payload})
	job := queue.JobStatus{
		ID:         util.NewID(),
		Topic:      topic,
		BookmarkID: payload.BookmarkID,
		Kind:       payload.Kind,
		Status:     queue.StatusQueued,
	}
	q.byID[job.ID] = job
	return job, nil
}

func (q *fakeQueue) GetJob(ctx context.Context, topic queue.Topic, jobID string) (queue.JobStatus, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byID[jobID]
	return job, ok, nil
}

func (q *fakeQueue) count(topic queue.Topic) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.topic == topic {
			n++
		}
	}
	return n
}

func (q *fakeQueue) last(topic queue.Topic) (queue.Payload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(q.jobs) - 1; i >= 0; i-- {
		if q.jobs[i].topic == topic {
			return q.jobs[i].payload, true
		}
	}
	return queue.Payload{}, false
}

type fakeSearch struct {
	hits []domain.SearchHit
	err  error
}

func (s *fakeSearch) Upsert(ctx context.Context, doc domain.SearchDocument) error { return nil }
func (s *fakeSearch) Delete(ctx context.Context, id string) error                 { return nil }
func (s *fakeSearch) Search(ctx context.Context, q search.Query) ([]domain.SearchHit, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.hits, nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (b *fakeBlobs) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *fakeBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBlobs) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://blobs.test/" + key, nil
}

func (b *fakeBlobs) Release(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *fakeBlobs) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

func newTestApp(t *testing.T) (*App, *store.MemoryStore, *fakeQueue) {
	t.Helper()
	st := store.NewMemoryStore()
	jobs := newFakeQueue()
	return New(Options{Store: st, Queue: jobs}), st, jobs
}

func TestCreateLinkBookmarkStartsCrawlChain(t *testing.T) {
	a, _, jobs := newTestApp(t)

	b, err := a.CreateLinkBookmark(context.Background(), "user-1", "https://example.com", "")
	if err != nil {
		t.Fatalf("CreateLinkBookmark: %v", err)
	}
	if b.Link == nil || b.Link.CrawledAt != nil {
		t.Fatal("a fresh link bookmark must have crawledAt unset")
	}
	if b.TaggingStatus != domain.TaggingPending {
		t.Fatalf("taggingStatus = %q, want pending", b.TaggingStatus)
	}
	if b.Stage != domain.StageCreated {
		t.Fatalf("stage = %q, want created", b.Stage)
	}
	if jobs.count(queue.TopicCrawl) != 1 || jobs.count(queue.TopicSearch) != 1 {
		t.Fatalf("expected one crawl and one index job, got crawl=%d index=%d",
			jobs.count(queue.TopicCrawl), jobs.count(queue.TopicSearch))
	}
	if jobs.count(queue.TopicTag) != 0 {
		t.Fatal("tagging must wait for the crawl on link bookmarks")
	}
}

func TestCreateTextBookmarkNeverEnqueuesCrawl(t *testing.T) {
	a, _, jobs := newTestApp(t)

	b, err := a.CreateTextBookmark(context.Background(), "user-1", "buy milk", "")
	if err != nil {
		t.Fatalf("CreateTextBookmark: %v", err)
	}
	if b.TaggingStatus != domain.TaggingPending {
		t.Fatalf("taggingStatus = %q, want pending", b.TaggingStatus)
	}
	if jobs.count(queue.TopicCrawl) != 0 {
		t.Fatal("no crawl job may ever be produced for a text bookmark")
	}
	if jobs.count(queue.TopicTag) != 1 {
		t.Fatal("expected an immediate tag job")
	}
}

func TestCreateLinkBookmarkRejectsBadURL(t *testing.T) {
	a, _, _ := newTestApp(t)
	for _, raw := range []string{"", "not a url", "ftp://example.com/file", "javascript:alert(1)"} {
		if _, err := a.CreateLinkBookmark(context.Background(), "user-1", raw, ""); !errors.Is(err, ErrValidation) {
			t.Fatalf("url %q: got %v, want ErrValidation", raw, err)
		}
	}
}

func TestCreateTextBookmarkRejectsOversizedText(t *testing.T) {
	a, _, _ := newTestApp(t)
	long := strings.Repeat("x", domain.MaxTextLength+1)
	if _, err := a.CreateTextBookmark(context.Background(), "user-1", long, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
}

func TestTextCapCountsCharactersNotBytes(t *testing.T) {
	a, _, _ := newTestApp(t)

	// 1500 two-byte runes: 3000 bytes but well under the character cap.
	under := strings.Repeat("é", 1500)
	if _, err := a.CreateTextBookmark(context.Background(), "user-1", under, ""); err != nil {
		t.Fatalf("multibyte text under the cap must be accepted: %v", err)
	}

	over := strings.Repeat("é", domain.MaxTextLength+1)
	if _, err := a.CreateTextBookmark(context.Background(), "user-1", over, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation for text over the character cap", err)
	}
}

func TestOwnershipGateDistinguishesMissingFromForeign(t *testing.T) {
	a, _, _ := newTestApp(t)
	b, err := a.CreateTextBookmark(context.Background(), "owner", "mine", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.GetBookmark(context.Background(), "owner", "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing row: got %v, want ErrNotFound", err)
	}
	if _, err := a.GetBookmark(context.Background(), "intruder", b.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign row: got %v, want ErrForbidden", err)
	}
	if _, err := a.GetBookmark(context.Background(), "owner", b.ID); err != nil {
		t.Fatalf("owner read: %v", err)
	}
}

func TestUpdateTextRejectedForLinkBookmarks(t *testing.T) {
	a, _, _ := newTestApp(t)
	b, err := a.CreateLinkBookmark(context.Background(), "user-1", "https://example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	text := "new text"
	if _, err := a.UpdateBookmark(context.Background(), "user-1", b.ID, UpdateRequest{Text: &text}); !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
}

func TestUpdateBookmarkAppliesPatchAndReindexes(t *testing.T) {
	a, _, jobs := newTestApp(t)
	b, err := a.CreateTextBookmark(context.Background(), "user-1", "draft", "")
	if err != nil {
		t.Fatal(err)
	}
	archived := true
	note := "read later"
	text := "final"
	updated, err := a.UpdateBookmark(context.Background(), "user-1", b.ID, UpdateRequest{
		Archived: &archived, Note: &note, Text: &text,
	})
	if err != nil {
		t.Fatalf("UpdateBookmark: %v", err)
	}
	if !updated.Archived || updated.Note != "read later" || updated.Text.Text != "final" {
		t.Fatalf("patch not applied: %+v", updated)
	}
	// creation + update
	if jobs.count(queue.TopicSearch) != 2 {
		t.Fatalf("index jobs = %d, want 2", jobs.count(queue.TopicSearch))
	}
}

func TestDeleteBookmarkReleasesAssetsExactlyOnce(t *testing.T) {
	st := store.NewMemoryStore()
	jobs := newFakeQueue()
	blobs := newFakeBlobs()
	a := New(Options{Store: st, Queue: jobs, Objects: blobs})

	b, err := a.CreateAssetBookmark(context.Background(), "user-1", domain.AssetImage,
		strings.NewReader("png-bytes"), 9, "image/png", "", nil)
	if err != nil {
		t.Fatalf("CreateAssetBookmark: %v", err)
	}
	if blobs.len() != 1 {
		t.Fatalf("stored blobs = %d, want 1", blobs.len())
	}

	if err := a.DeleteBookmark(context.Background(), "user-1", b.ID); err != nil {
		t.Fatalf("DeleteBookmark: %v", err)
	}
	if blobs.len() != 0 {
		t.Fatal("asset blob must be released after the row delete")
	}
	if payload, ok := jobs.last(queue.TopicSearch); !ok || payload.Kind != queue.KindDelete {
		t.Fatalf("expected a search delete job, got %+v", payload)
	}

	if err := a.DeleteBookmark(context.Background(), "user-1", b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestDeleteBookmarkWithoutAssetsReleasesNothing(t *testing.T) {
	st := store.NewMemoryStore()
	blobs := newFakeBlobs()
	a := New(Options{Store: st, Queue: newFakeQueue(), Objects: blobs})
	b, err := a.CreateTextBookmark(context.Background(), "user-1", "plain", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.DeleteBookmark(context.Background(), "user-1", b.ID); err != nil {
		t.Fatalf("DeleteBookmark: %v", err)
	}
	if blobs.len() != 0 {
		t.Fatal("nothing should have been stored or released")
	}
}

func TestRecrawlResetsEnrichmentAndReenqueues(t *testing.T) {
	a, st, jobs := newTestApp(t)
	b, err := a.CreateLinkBookmark(context.Background(), "user-1", "https://example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.SetCrawlResult(b.ID, domain.CrawlResult{Title: "old"}, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if _, err := st.SetTaggingStatus(b.ID, domain.TaggingPending, domain.TaggingSuccess); err != nil {
		t.Fatal(err)
	}

	job, err := a.RecrawlBookmark(context.Background(), "user-1", b.ID)
	if err != nil {
		t.Fatalf("RecrawlBookmark: %v", err)
	}
	if job.Topic != queue.TopicCrawl {
		t.Fatalf("job topic = %q, want crawl", job.Topic)
	}
	got, _, _ := st.GetBookmarkByID(b.ID)
	if got.Link.CrawledAt != nil {
		t.Fatal("recrawl must clear crawledAt")
	}
	if got.TaggingStatus != domain.TaggingPending {
		t.Fatalf("taggingStatus = %q, want pending after re-trigger", got.TaggingStatus)
	}
	if jobs.count(queue.TopicCrawl) != 2 {
		t.Fatalf("crawl jobs = %d, want 2", jobs.count(queue.TopicCrawl))
	}

	status, err := a.GetJobStatus(context.Background(), job.Topic, job.ID)
	if err != nil || status.ID != job.ID {
		t.Fatalf("GetJobStatus: %v (%+v)", err, status)
	}
}

func TestAttachTagKeepsFirstProvenance(t *testing.T) {
	a, st, _ := newTestApp(t)
	b, err := a.CreateTextBookmark(context.Background(), "user-1", "go generics", "")
	if err != nil {
		t.Fatal(err)
	}
	tag, err := a.CreateTag(context.Background(), "user-1", "golang")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.AttachTag(b.ID, tag.ID, domain.AttachedByAI); err != nil {
		t.Fatal(err)
	}

	// Re-attach with human intent; the earlier AI provenance must win.
	if err := a.AttachTag(context.Background(), "user-1", b.ID, tag.ID); err != nil {
		t.Fatalf("AttachTag: %v", err)
	}
	got, _, _ := st.GetBookmarkByID(b.ID)
	if len(got.Tags) != 1 {
		t.Fatalf("tags = %d, want exactly one attachment", len(got.Tags))
	}
	if got.Tags[0].AttachedBy != domain.AttachedByAI {
		t.Fatalf("attachedBy = %q, want the first writer (ai)", got.Tags[0].AttachedBy)
	}
}

func TestCreateTagIsIdempotentPerOwner(t *testing.T) {
	a, _, _ := newTestApp(t)
	first, err := a.CreateTag(context.Background(), "user-1", "Reading")
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.CreateTag(context.Background(), "user-1", "reading")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatal("same name must resolve to the same tag row")
	}
	tags, _ := a.ListTags(context.Background(), "user-1")
	if len(tags) != 1 {
		t.Fatalf("tags = %d, want 1", len(tags))
	}
}

func TestSearchFailsClosedWhenNotConfigured(t *testing.T) {
	a, _, _ := newTestApp(t)
	if _, err := a.Search(context.Background(), "user-1", "milk", 10); !errors.Is(err, search.ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}
}

func TestSearchDropsHitsWhoseRowsVanished(t *testing.T) {
	st := store.NewMemoryStore()
	b := domain.Bookmark{
		ID: util.NewID(), UserID: "user-1", Kind: domain.ContentText,
		TaggingStatus: domain.TaggingPending, Stage: domain.StageReady,
		CreatedAt: time.Now().UTC(),
		Text:      &domain.TextContent{Text: "hit"},
	}
	if err := st.CreateBookmark(b); err != nil {
		t.Fatal(err)
	}
	sc := &fakeSearch{hits: []domain.SearchHit{{ID: b.ID, Score: 0.9}, {ID: "deleted-row", Score: 0.5}}}
	a := New(Options{Store: st, Queue: newFakeQueue(), Search: sc})

	got, err := a.Search(context.Background(), "user-1", "hit", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("expected only the live row, got %+v", got)
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"linkhive/internal/app"
	"linkhive/internal/util"
	"linkhive/pkg/domain"
	"linkhive/pkg/queue"
	"linkhive/pkg/store"
)

type stubQueue struct {
	mu   sync.Mutex
	byID map[string]queue.JobStatus
}

func newStubQueue() *stubQueue {
	return &stubQueue{byID: make(map[string]queue.JobStatus)}
}

func (q *stubQueue) Enqueue(ctx context.Context, topic queue.Topic, payload queue.Payload) (queue.JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
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

func (q *stubQueue) GetJob(ctx context.Context, topic queue.Topic, jobID string) (queue.JobStatus, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byID[jobID]
	return job, ok, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	a := app.New(app.Options{Store: store.NewMemoryStore(), Queue: newStubQueue()})
	ts := httptest.NewServer(New(Config{App: a}).Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, userID string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestMissingIdentityRejected(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/bookmarks", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestCreateAndReadBookmark(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/bookmarks", "user-1", map[string]string{
		"type": "link", "url": "https://example.com", "note": "check later",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	created := decode[domain.Bookmark](t, resp)
	if created.Link == nil || created.Link.CrawledAt != nil {
		t.Fatal("fresh link bookmark must report crawledAt null")
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/bookmarks/"+created.ID, "user-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner read status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/bookmarks/"+created.ID, "intruder", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign read status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/bookmarks/no-such-id", "user-1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing read status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateBookmarkValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/bookmarks", "user-1", map[string]string{
		"type": "link", "url": "not a url",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["code"] != "REQUEST_VALIDATION_FAILED" {
		t.Fatalf("code = %q", body["code"])
	}
}

func TestPatchTextOnLinkBookmarkRejected(t *testing.T) {
	ts := newTestServer(t)
	created := decode[domain.Bookmark](t, doJSON(t, http.MethodPost, ts.URL+"/bookmarks", "user-1", map[string]string{
		"type": "link", "url": "https://example.com",
	}))

	resp := doJSON(t, http.MethodPatch, ts.URL+"/bookmarks/"+created.ID, "user-1", map[string]string{
		"text": "nope",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListBookmarksReturnsCursor(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		resp := doJSON(t, http.MethodPost, ts.URL+"/bookmarks", "user-1", map[string]string{
			"type": "text", "text": fmt.Sprintf("note %d", i),
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %d: status %d", i, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := doJSON(t, http.MethodGet, ts.URL+"/bookmarks?limit=2", "user-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	body := decode[struct {
		Items      []domain.Bookmark `json:"items"`
		Count      int               `json:"count"`
		NextCursor string            `json:"nextCursor"`
	}](t, resp)
	if body.Count != 2 || body.NextCursor == "" {
		t.Fatalf("unexpected page: count=%d cursor=%q", body.Count, body.NextCursor)
	}
}

func TestTagLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/tags", "user-1", map[string]string{"name": "golang"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create tag status = %d, want 201", resp.StatusCode)
	}
	tag := decode[domain.Tag](t, resp)

	resp = doJSON(t, http.MethodGet, ts.URL+"/tags", "user-1", nil)
	listed := decode[struct {
		Count int `json:"count"`
	}](t, resp)
	if listed.Count != 1 {
		t.Fatalf("tag count = %d, want 1", listed.Count)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/tags/"+tag.ID, "user-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete tag status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, ts.URL+"/tags/"+tag.ID, "user-1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRecrawlAndJobStatus(t *testing.T) {
	ts := newTestServer(t)
	created := decode[domain.Bookmark](t, doJSON(t, http.MethodPost, ts.URL+"/bookmarks", "user-1", map[string]string{
		"type": "link", "url": "https://example.com",
	}))

	resp := doJSON(t, http.MethodPost, ts.URL+"/bookmarks/"+created.ID+"/recrawl", "user-1", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("recrawl status = %d, want 202", resp.StatusCode)
	}
	job := decode[queue.JobStatus](t, resp)
	if job.Topic != queue.TopicCrawl {
		t.Fatalf("job topic = %q, want crawl", job.Topic)
	}

	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/jobs/%s/%s", ts.URL, job.Topic, job.ID), "user-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("job status = %d, want 200", resp.StatusCode)
	}
	got := decode[queue.JobStatus](t, resp)
	if got.ID != job.ID || got.Status != queue.StatusQueued {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestSearchFailsClosedWithoutEngine(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/search?q=milk", "user-1", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["code"] != "SEARCH_NOT_CONFIGURED" {
		t.Fatalf("code = %q", body["code"])
	}
}

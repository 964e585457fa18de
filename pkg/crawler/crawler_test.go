package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

const samplePage = `<!doctype html>
<html>
<head>
<title>Sample Post</title>
<meta name="description" content="A short description.">
<meta property="og:image" content="/img/cover.png">
<meta property="og:video" content="https://cdn.example.com/clip.mp4">
</head>
<body><h1>Heading</h1></body>
</html>`

func TestCrawlExtractsMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	c := NewHTTPCrawler(HTTPCrawlerConfig{})
	res, err := c.Crawl(context.Background(), srv.URL+"/post")
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if res.Title != "Sample Post" {
		t.Fatalf("title = %q", res.Title)
	}
	if res.Description != "A short description." {
		t.Fatalf("description = %q", res.Description)
	}
	if res.ImageURL != srv.URL+"/img/cover.png" {
		t.Fatalf("imageURL = %q, relative references must resolve against the page", res.ImageURL)
	}
	if res.VideoURL != "https://cdn.example.com/clip.mp4" {
		t.Fatalf("videoURL = %q", res.VideoURL)
	}
	if res.HTMLContent == "" {
		t.Fatal("expected raw html to be captured")
	}
}

func TestCrawlFallsBackToHeadingTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><h1>Only Heading</h1></body></html>"))
	}))
	defer srv.Close()

	res, err := NewHTTPCrawler(HTTPCrawlerConfig{}).Crawl(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if res.Title != "Only Heading" {
		t.Fatalf("title = %q", res.Title)
	}
}

func TestCrawlErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/flaky":
			w.WriteHeader(http.StatusBadGateway)
		case "/binary":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte{0x00, 0x01})
		}
	}))
	defer srv.Close()

	c := NewHTTPCrawler(HTTPCrawlerConfig{})

	cases := []struct {
		name      string
		url       string
		permanent bool
	}{
		{"client error", srv.URL + "/missing", true},
		{"unsupported content type", srv.URL + "/binary", true},
		{"malformed url", "::not-a-url", true},
		{"unsupported scheme", "ftp://example.com/f", true},
		{"upstream error", srv.URL + "/flaky", false},
	}
	for _, tc := range cases {
		_, err := c.Crawl(context.Background(), tc.url)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if IsPermanent(err) != tc.permanent {
			t.Fatalf("%s: IsPermanent = %v, want %v (%v)", tc.name, IsPermanent(err), tc.permanent, err)
		}
	}
}

func TestVideoFetcherRejectsOversizedContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2048")
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	f := NewHTTPVideoFetcher(HTTPVideoFetcherConfig{MaxBytes: 1024})
	_, _, _, err := f.Fetch(context.Background(), srv.URL+"/big.mp4")
	if err == nil || !IsPermanent(err) {
		t.Fatalf("expected a permanent size error, got %v", err)
	}
}

package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// VideoFetcher downloads an embedded video detected during a crawl.
// It is optional infrastructure: when not configured, the video worker
// pool is simply absent.
type VideoFetcher interface {
	Fetch(ctx context.Context, videoURL string) (io.ReadCloser, int64, string, error)
}

const defaultMaxVideoBytes = 256 << 20

// HTTPVideoFetcher streams a video over HTTP.
type HTTPVideoFetcher struct {
	httpClient *http.Client
	maxBytes   int64
}

type HTTPVideoFetcherConfig struct {
	Timeout  time.Duration
	MaxBytes int64
}

func NewHTTPVideoFetcher(cfg HTTPVideoFetcherConfig) *HTTPVideoFetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxVideoBytes
	}
	return &HTTPVideoFetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
	}
}

// Fetch returns the video stream, its size when known, and content type.
// The caller owns the reader.
func (f *HTTPVideoFetcher) Fetch(ctx context.Context, videoURL string) (io.ReadCloser, int64, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(videoURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, 0, "", fmt.Errorf("%w: invalid video url %q", ErrPermanent, videoURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, 0, "", fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, 0, "", fmt.Errorf("fetch video %s: %w", parsed.Host, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, 0, "", fmt.Errorf("fetch video %s: upstream status %d", parsed.Host, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, 0, "", fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		resp.Body.Close()
		return nil, 0, "", fmt.Errorf("%w: video exceeds %d bytes", ErrPermanent, f.maxBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	body := struct {
		io.Reader
		io.Closer
	}{io.LimitReader(resp.Body, f.maxBytes), resp.Body}
	return body, resp.ContentLength, contentType, nil
}

package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"linkhive/pkg/domain"
)

// ErrPermanent marks a fetch failure that will not improve with retries
// (malformed URL, unsupported content type, client error from the origin).
// Everything else is treated as transient and left to the queue's retry
// policy.
var ErrPermanent = errors.New("permanent crawl failure")

// IsPermanent reports whether an error from Crawl should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Crawler is the link crawler capability: URL in, page metadata out.
type Crawler interface {
	Crawl(ctx context.Context, pageURL string) (domain.CrawlResult, error)
}

// Screenshotter is an optional capability; when absent, link bookmarks
// simply have no screenshots.
type Screenshotter interface {
	Screenshot(ctx context.Context, pageURL string, fullPage bool) ([]byte, error)
}

const maxBodyBytes = 4 << 20

// HTTPCrawler fetches a page over plain HTTP and extracts metadata with
// goquery.
type HTTPCrawler struct {
	httpClient *http.Client
	userAgent  string
}

type HTTPCrawlerConfig struct {
	NavigationTimeout time.Duration
	UserAgent         string
}

func NewHTTPCrawler(cfg HTTPCrawlerConfig) *HTTPCrawler {
	timeout := cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = "linkhive-crawler/1.0"
	}
	return &HTTPCrawler{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  userAgent,
	}
}

// Crawl fetches the page and extracts title, description, preview image,
// embedded video URL, and the raw HTML. Missing metadata is not an error;
// fields the page does not provide stay empty.
func (c *HTTPCrawler) Crawl(ctx context.Context, pageURL string) (domain.CrawlResult, error) {
	parsed, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return domain.CrawlResult{}, fmt.Errorf("%w: invalid url %q", ErrPermanent, pageURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return domain.CrawlResult{}, fmt.Errorf("%w: unsupported scheme %q", ErrPermanent, parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return domain.CrawlResult{}, fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.CrawlResult{}, fmt.Errorf("fetch %s: %w", parsed.Host, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return domain.CrawlResult{}, fmt.Errorf("fetch %s: upstream status %d", parsed.Host, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.CrawlResult{}, fmt.Errorf("fetch %s: rate limited", parsed.Host)
	case resp.StatusCode >= 400:
		return domain.CrawlResult{}, fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") && !strings.Contains(contentType, "xml") {
		return domain.CrawlResult{}, fmt.Errorf("%w: unsupported content type %q", ErrPermanent, contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.CrawlResult{}, fmt.Errorf("read body: %w", err)
	}

	return extract(string(body), parsed)
}

func extract(html string, base *url.URL) (domain.CrawlResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return domain.CrawlResult{}, fmt.Errorf("%w: parse html: %v", ErrPermanent, err)
	}

	res := domain.CrawlResult{
		Title:       extractTitle(doc),
		Description: extractDescription(doc),
		ImageURL:    resolveURL(base, metaContent(doc, "meta[property='og:image']", "meta[name='twitter:image']")),
		VideoURL:    resolveURL(base, metaContent(doc, "meta[property='og:video']", "meta[property='og:video:url']", "meta[property='og:video:secure_url']")),
		HTMLContent: html,
	}
	if res.VideoURL == "" {
		if src, ok := doc.Find("video source[src], video[src]").First().Attr("src"); ok {
			res.VideoURL = resolveURL(base, src)
		}
	}
	return res, nil
}

func extractTitle(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if t := metaContent(doc, "meta[property='og:title']", "meta[name='twitter:title']"); t != "" {
		return t
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

func extractDescription(doc *goquery.Document) string {
	return metaContent(doc,
		"meta[name='description']",
		"meta[property='og:description']",
		"meta[name='twitter:description']",
	)
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if content, ok := doc.Find(sel).First().Attr("content"); ok {
			if v := strings.TrimSpace(content); v != "" {
				return v
			}
		}
	}
	return ""
}

func resolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}

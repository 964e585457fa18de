package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"linkhive/internal/util"
	"linkhive/pkg/crawler"
	"linkhive/pkg/domain"
	"linkhive/pkg/queue"
	"linkhive/pkg/storage"
)

// handleCrawl runs the crawl stage for one link bookmark. The job carries
// only the bookmark id; everything else is re-read, so a job whose
// bookmark was deleted or edited in the meantime degrades to a no-op.
func (p *Pipeline) handleCrawl(ctx context.Context, job queue.JobStatus) error {
	ctx, cancel := p.stageContext(ctx)
	defer cancel()

	b, ok, err := p.store.GetBookmarkByID(job.BookmarkID)
	if err != nil {
		return fmt.Errorf("load bookmark: %w", err)
	}
	if !ok {
		p.logger.Info("crawl skipped, bookmark gone", "bookmark_id", job.BookmarkID)
		return nil
	}
	if b.Kind != domain.ContentLink || b.Link == nil {
		return nil
	}
	if b.Link.CrawledAt != nil {
		// Duplicate delivery after a completed crawl; only the chain
		// may still be missing.
		return p.chainAfterCrawl(ctx, b)
	}

	if host := hostOf(b.Link.URL); host != "" && p.limit != nil {
		if !p.limit.Allow(host) {
			return fmt.Errorf("crawl rate limited for host %s", host)
		}
	}

	_, _ = p.store.SetStage(b.ID, domain.StageCreated, domain.StageCrawling)

	res, err := p.crawl.Crawl(ctx, b.Link.URL)
	if err != nil {
		if crawler.IsPermanent(err) {
			// Unfetchable pages stay crawled-at-null forever; tagging
			// still runs on whatever the user supplied.
			p.logger.Warn("crawl failed permanently",
				"bookmark_id", b.ID, "error", err)
			return p.chainAfterCrawl(ctx, b)
		}
		if job.Attempts >= p.cfg.MaxAttempts {
			// Retries exhausted. The page stays uncrawled but the
			// bookmark must not sit in crawling forever.
			p.logger.Warn("crawl retries exhausted",
				"bookmark_id", b.ID, "attempts", job.Attempts, "error", err)
			return p.chainAfterCrawl(ctx, b)
		}
		return err
	}

	if _, err := p.store.SetCrawlResult(b.ID, res, time.Now().UTC()); err != nil {
		return fmt.Errorf("store crawl result: %w", err)
	}

	p.captureScreenshots(ctx, b)

	if res.VideoURL != "" && p.videos != nil && p.blobs != nil {
		if err := p.enqueue(ctx, queue.TopicVideo, queue.Payload{BookmarkID: b.ID}); err != nil {
			return fmt.Errorf("enqueue video job: %w", err)
		}
	}

	return p.chainAfterCrawl(ctx, b)
}

// chainAfterCrawl advances the stage machine past crawling and schedules
// the follow-up work. Safe to call more than once.
func (p *Pipeline) chainAfterCrawl(ctx context.Context, b domain.Bookmark) error {
	if moved, err := p.store.SetStage(b.ID, domain.StageCrawling, domain.StageTagging); err != nil {
		return fmt.Errorf("advance stage: %w", err)
	} else if !moved {
		_, _ = p.store.SetStage(b.ID, domain.StageCreated, domain.StageTagging)
	}
	if err := p.enqueue(ctx, queue.TopicTag, queue.Payload{BookmarkID: b.ID}); err != nil {
		return fmt.Errorf("enqueue tag job: %w", err)
	}
	if err := p.enqueue(ctx, queue.TopicSearch, queue.Payload{BookmarkID: b.ID, Kind: queue.KindIndex}); err != nil {
		return fmt.Errorf("enqueue index job: %w", err)
	}
	return nil
}

// captureScreenshots is best effort; a bookmark without screenshots is
// complete, one stuck in crawling is not.
func (p *Pipeline) captureScreenshots(ctx context.Context, b domain.Bookmark) {
	if p.shots == nil || p.blobs == nil {
		return
	}
	var viewportID, fullPageID string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		viewportID = p.captureOne(gctx, b, false)
		return nil
	})
	g.Go(func() error {
		fullPageID = p.captureOne(gctx, b, true)
		return nil
	})
	_ = g.Wait()
	if viewportID == "" && fullPageID == "" {
		return
	}
	if err := p.store.SetScreenshotAssets(b.ID, viewportID, fullPageID); err != nil {
		p.logger.Warn("store screenshot assets", "bookmark_id", b.ID, "error", err)
	}
}

func (p *Pipeline) captureOne(ctx context.Context, b domain.Bookmark, fullPage bool) string {
	img, err := p.shots.Screenshot(ctx, b.Link.URL, fullPage)
	if err != nil || len(img) == 0 {
		if err != nil {
			p.logger.Warn("screenshot failed",
				"bookmark_id", b.ID, "full_page", fullPage, "error", err)
		}
		return ""
	}
	assetID := util.NewID()
	key := storage.AssetKey(b.UserID, assetID)
	if err := p.blobs.Put(ctx, key, bytes.NewReader(img), int64(len(img)), "image/png"); err != nil {
		p.logger.Warn("upload screenshot", "bookmark_id", b.ID, "error", err)
		return ""
	}
	return assetID
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

package pipeline

import (
	"context"
	"fmt"

	"linkhive/internal/util"
	"linkhive/pkg/crawler"
	"linkhive/pkg/domain"
	"linkhive/pkg/queue"
	"linkhive/pkg/storage"
)

// handleVideo downloads the embedded video a crawl detected and pins it
// to the asset store. The stage machine does not depend on it; a link
// bookmark is complete without a video asset.
func (p *Pipeline) handleVideo(ctx context.Context, job queue.JobStatus) error {
	ctx, cancel := p.stageContext(ctx)
	defer cancel()

	b, ok, err := p.store.GetBookmarkByID(job.BookmarkID)
	if err != nil {
		return fmt.Errorf("load bookmark: %w", err)
	}
	if !ok || b.Kind != domain.ContentLink || b.Link == nil {
		return nil
	}
	if b.Link.VideoAssetID != "" || b.Link.VideoURL == "" {
		return nil
	}

	rc, size, contentType, err := p.videos.Fetch(ctx, b.Link.VideoURL)
	if err != nil {
		if crawler.IsPermanent(err) {
			p.logger.Warn("video fetch failed permanently",
				"bookmark_id", b.ID, "error", err)
			return nil
		}
		return err
	}
	defer rc.Close()

	assetID := util.NewID()
	key := storage.AssetKey(b.UserID, assetID)
	if err := p.blobs.Put(ctx, key, rc, size, contentType); err != nil {
		return fmt.Errorf("upload video asset: %w", err)
	}
	if err := p.store.SetVideoAsset(b.ID, assetID); err != nil {
		// The row write failed after the upload; drop the orphan blob
		// instead of leaving it unreferenced.
		_ = p.blobs.Release(ctx, key)
		return fmt.Errorf("store video asset: %w", err)
	}
	return nil
}

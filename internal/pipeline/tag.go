package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"

	"linkhive/internal/pdftext"
	"linkhive/pkg/ai"
	"linkhive/pkg/domain"
	"linkhive/pkg/queue"
	"linkhive/pkg/storage"
)

// handleTag runs the AI tagging stage. taggingStatus moves from pending
// to exactly one terminal state per attempt cycle; rejected content is
// terminal immediately, provider errors retry until the queue's ceiling.
func (p *Pipeline) handleTag(ctx context.Context, job queue.JobStatus) error {
	ctx, cancel := p.stageContext(ctx)
	defer cancel()

	b, ok, err := p.store.GetBookmarkByID(job.BookmarkID)
	if err != nil {
		return fmt.Errorf("load bookmark: %w", err)
	}
	if !ok {
		p.logger.Info("tagging skipped, bookmark gone", "bookmark_id", job.BookmarkID)
		return nil
	}
	if b.TaggingStatus != domain.TaggingPending {
		// Duplicate delivery after a terminal status; only the stage
		// advance or the index job may still be missing.
		return p.chainAfterTagging(ctx, b.ID)
	}

	text := taggingInput(ctx, p, b)

	suggestion, err := p.tagger.SuggestTags(ctx, text)
	if err != nil {
		if ai.IsContentRejected(err) {
			p.logger.Warn("tagging rejected", "bookmark_id", b.ID, "error", err)
			_, _ = p.store.SetTaggingStatus(b.ID, domain.TaggingPending, domain.TaggingFailure)
			return p.chainAfterTagging(ctx, b.ID)
		}
		if job.Attempts >= p.cfg.MaxAttempts {
			_, _ = p.store.SetTaggingStatus(b.ID, domain.TaggingPending, domain.TaggingFailure)
			_ = p.chainAfterTagging(ctx, b.ID)
		}
		return err
	}

	for _, name := range suggestion.Tags {
		tag, err := p.store.EnsureTag(b.UserID, name)
		if err != nil {
			return fmt.Errorf("ensure tag %q: %w", name, err)
		}
		// First writer wins: a human attachment made meanwhile keeps
		// its provenance.
		if err := p.store.AttachTag(b.ID, tag.ID, domain.AttachedByAI); err != nil {
			return fmt.Errorf("attach tag %q: %w", name, err)
		}
	}

	if _, err := p.store.SetTaggingStatus(b.ID, domain.TaggingPending, domain.TaggingSuccess); err != nil {
		return fmt.Errorf("mark tagging success: %w", err)
	}
	return p.chainAfterTagging(ctx, b.ID)
}

// chainAfterTagging moves the bookmark to ready and schedules a re-index
// so the search document picks up the new tags. Safe to call repeatedly.
func (p *Pipeline) chainAfterTagging(ctx context.Context, bookmarkID string) error {
	if moved, err := p.store.SetStage(bookmarkID, domain.StageTagging, domain.StageReady); err != nil {
		return fmt.Errorf("advance stage: %w", err)
	} else if !moved {
		_, _ = p.store.SetStage(bookmarkID, domain.StageCrawling, domain.StageReady)
		_, _ = p.store.SetStage(bookmarkID, domain.StageCreated, domain.StageReady)
	}
	if err := p.enqueue(ctx, queue.TopicSearch, queue.Payload{BookmarkID: bookmarkID, Kind: queue.KindIndex}); err != nil {
		return fmt.Errorf("enqueue index job: %w", err)
	}
	return nil
}

// taggingInput gathers whatever text the bookmark's variant offers. For
// PDF assets without caption metadata, the blob itself is pulled back
// from the object store and its text extracted.
func taggingInput(ctx context.Context, p *Pipeline, b domain.Bookmark) string {
	var parts []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}

	switch b.Kind {
	case domain.ContentLink:
		if b.Link != nil {
			add(b.Link.Title)
			add(b.Link.Description)
			add(b.Link.URL)
		}
	case domain.ContentText:
		if b.Text != nil {
			add(b.Text.Text)
		}
	case domain.ContentAsset:
		if b.Asset != nil {
			add(b.Asset.Metadata["caption"])
			add(b.Asset.Metadata["ocr"])
			if len(parts) == 0 && b.Asset.AssetType == domain.AssetPDF && p.blobs != nil {
				add(p.pdfText(ctx, b))
			}
		}
	}
	add(b.Note)
	return strings.Join(parts, "\n")
}

func (p *Pipeline) pdfText(ctx context.Context, b domain.Bookmark) string {
	key := storage.AssetKey(b.UserID, b.Asset.AssetID)
	rc, err := p.blobs.Get(ctx, key)
	if err != nil {
		p.logger.Warn("fetch pdf blob", "bookmark_id", b.ID, "error", err)
		return ""
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		p.logger.Warn("read pdf blob", "bookmark_id", b.ID, "error", err)
		return ""
	}
	text, err := pdftext.Extract(data)
	if err != nil {
		p.logger.Warn("extract pdf text", "bookmark_id", b.ID, "error", err)
		return ""
	}
	return text
}

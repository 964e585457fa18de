package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"linkhive/pkg/domain"
	"linkhive/pkg/queue"
	"linkhive/pkg/search"
)

// handleIndex reconciles the search engine with the store. An "index" job
// re-reads the current row and upserts what it finds; if the row is gone
// the document is removed instead, so a stale index job can never
// resurrect a deleted bookmark. A "delete" job removes the document
// directly and is idempotent.
func (p *Pipeline) handleIndex(ctx context.Context, job queue.JobStatus) error {
	ctx, cancel := p.stageContext(ctx)
	defer cancel()

	if job.Kind == queue.KindDelete {
		return p.deleteDocument(ctx, job.BookmarkID)
	}

	b, ok, err := p.store.GetBookmarkByID(job.BookmarkID)
	if err != nil {
		return fmt.Errorf("load bookmark: %w", err)
	}
	if !ok {
		return p.deleteDocument(ctx, job.BookmarkID)
	}

	if err := p.search.Upsert(ctx, buildSearchDocument(b)); err != nil {
		if errors.Is(err, search.ErrNotConfigured) {
			return nil
		}
		return fmt.Errorf("upsert search document: %w", err)
	}
	return nil
}

func (p *Pipeline) deleteDocument(ctx context.Context, bookmarkID string) error {
	if err := p.search.Delete(ctx, bookmarkID); err != nil {
		if errors.Is(err, search.ErrNotConfigured) {
			return nil
		}
		return fmt.Errorf("delete search document: %w", err)
	}
	return nil
}

// buildSearchDocument flattens a bookmark into the engine's derived view.
func buildSearchDocument(b domain.Bookmark) domain.SearchDocument {
	doc := domain.SearchDocument{
		ID:        b.ID,
		UserID:    b.UserID,
		Note:      b.Note,
		CreatedAt: b.CreatedAt.Unix(),
	}
	var content []string
	switch b.Kind {
	case domain.ContentLink:
		if b.Link != nil {
			doc.Title = b.Link.Title
			doc.URL = b.Link.URL
			if b.Link.Description != "" {
				content = append(content, b.Link.Description)
			}
		}
	case domain.ContentText:
		if b.Text != nil {
			content = append(content, b.Text.Text)
		}
	case domain.ContentAsset:
		if b.Asset != nil {
			if caption := b.Asset.Metadata["caption"]; caption != "" {
				content = append(content, caption)
			}
			if ocr := b.Asset.Metadata["ocr"]; ocr != "" {
				content = append(content, ocr)
			}
		}
	}
	doc.Content = strings.Join(content, "\n")
	for _, tag := range b.Tags {
		doc.Tags = append(doc.Tags, tag.Name)
	}
	return doc
}

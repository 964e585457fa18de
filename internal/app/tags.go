package app

import (
	"context"
	"fmt"
	"strings"

	"linkhive/pkg/domain"
	"linkhive/pkg/queue"
	"linkhive/pkg/store"
)

// CreateTag ensures a tag by name. Tag names are unique per owner, so
// creating an existing name returns the existing tag instead of failing.
func (a *App) CreateTag(ctx context.Context, ownerID, name string) (domain.Tag, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return domain.Tag{}, fmt.Errorf("%w: tag name required", ErrValidation)
	}
	tag, err := store.ForOwner(a.store, ownerID).EnsureTag(name)
	if err != nil {
		return domain.Tag{}, fmt.Errorf("ensure tag: %w", err)
	}
	return tag, nil
}

func (a *App) ListTags(ctx context.Context, ownerID string) ([]domain.Tag, error) {
	return store.ForOwner(a.store, ownerID).ListTags()
}

// DeleteTag removes a tag; attachments cascade.
func (a *App) DeleteTag(ctx context.Context, ownerID, id string) error {
	deleted, err := store.ForOwner(a.store, ownerID).DeleteTag(id)
	if err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	if !deleted {
		return fmt.Errorf("tag %s: %w", id, ErrNotFound)
	}
	return nil
}

// AttachTag attaches an owner's tag to an owner's bookmark with human
// provenance. Attachment is first-writer-wins: if the tag is already
// attached (by either provenance) the stored provenance is kept.
func (a *App) AttachTag(ctx context.Context, ownerID, bookmarkID, tagID string) error {
	if _, err := a.authorize(ownerID, bookmarkID); err != nil {
		return err
	}
	if _, ok, err := a.store.GetTag(ownerID, tagID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("tag %s: %w", tagID, ErrNotFound)
	}
	if err := a.store.AttachTag(bookmarkID, tagID, domain.AttachedByHuman); err != nil {
		return fmt.Errorf("attach tag: %w", err)
	}
	a.produce(ctx, queue.TopicSearch, queue.Payload{BookmarkID: bookmarkID, Kind: queue.KindIndex})
	return nil
}

// DetachTag removes an attachment; detaching an unattached tag is a no-op.
func (a *App) DetachTag(ctx context.Context, ownerID, bookmarkID, tagID string) error {
	if _, err := a.authorize(ownerID, bookmarkID); err != nil {
		return err
	}
	if err := a.store.DetachTag(bookmarkID, tagID); err != nil {
		return fmt.Errorf("detach tag: %w", err)
	}
	a.produce(ctx, queue.TopicSearch, queue.Payload{BookmarkID: bookmarkID, Kind: queue.KindIndex})
	return nil
}

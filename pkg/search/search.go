package search

import (
	"context"
	"errors"

	"linkhive/pkg/domain"
)

// ErrNotConfigured signals that no search engine is wired in. Queries
// must fail closed with this error instead of returning empty results
// that masquerade as "no matches".
var ErrNotConfigured = errors.New("search engine not configured")

// Query narrows and sizes a search.
type Query struct {
	OwnerID string
	Text    string
	Limit   int
}

// Client is the search engine boundary. Every call is scoped by owner id
// through the filter clause; tenancy is never delegated to the engine.
type Client interface {
	Upsert(ctx context.Context, doc domain.SearchDocument) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, q Query) ([]domain.SearchHit, error)
}

// Disabled is the Client used when no engine is configured.
type Disabled struct{}

func (Disabled) Upsert(ctx context.Context, doc domain.SearchDocument) error {
	return ErrNotConfigured
}

func (Disabled) Delete(ctx context.Context, id string) error {
	return ErrNotConfigured
}

func (Disabled) Search(ctx context.Context, q Query) ([]domain.SearchHit, error) {
	return nil, ErrNotConfigured
}

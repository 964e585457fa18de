package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/meilisearch/meilisearch-go"

	"linkhive/pkg/domain"
)

const defaultIndexUID = "bookmarks"

// MeiliClient implements Client against a Meilisearch instance.
type MeiliClient struct {
	index meilisearch.IndexManager
}

type MeiliConfig struct {
	Host     string
	APIKey   string
	IndexUID string
}

// NewMeiliClient connects and ensures the index accepts owner filtering
// and createdAt sorting.
func NewMeiliClient(cfg MeiliConfig) (*MeiliClient, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errors.New("meilisearch host required")
	}
	uid := strings.TrimSpace(cfg.IndexUID)
	if uid == "" {
		uid = defaultIndexUID
	}
	manager := meilisearch.New(host, meilisearch.WithAPIKey(cfg.APIKey))
	index := manager.Index(uid)
	if _, err := index.UpdateSettings(&meilisearch.Settings{
		FilterableAttributes: []string{"userId"},
		SortableAttributes:   []string{"createdAt"},
		SearchableAttributes: []string{"title", "content", "note", "url", "tags"},
	}); err != nil {
		return nil, fmt.Errorf("configure search index: %w", err)
	}
	return &MeiliClient{index: index}, nil
}

// Upsert adds or replaces the document keyed by bookmark id.
func (c *MeiliClient) Upsert(ctx context.Context, doc domain.SearchDocument) error {
	if _, err := c.index.AddDocumentsWithContext(ctx, []domain.SearchDocument{doc}, "id"); err != nil {
		return fmt.Errorf("upsert search document: %w", err)
	}
	return nil
}

// Delete removes the document by id. A missing document is success.
func (c *MeiliClient) Delete(ctx context.Context, id string) error {
	if _, err := c.index.DeleteDocumentWithContext(ctx, id); err != nil {
		return fmt.Errorf("delete search document: %w", err)
	}
	return nil
}

// Search runs an owner-filtered query and returns ranked hits.
func (c *MeiliClient) Search(ctx context.Context, q Query) ([]domain.SearchHit, error) {
	if strings.TrimSpace(q.OwnerID) == "" {
		return nil, errors.New("search requires an owner id")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	res, err := c.index.SearchWithContext(ctx, q.Text, &meilisearch.SearchRequest{
		Filter:           fmt.Sprintf("userId = %q", q.OwnerID),
		Limit:            int64(limit),
		ShowRankingScore: true,
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	hits := make([]domain.SearchHit, 0, len(res.Hits))
	for _, raw := range res.Hits {
		hit, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := hit["id"].(string)
		if id == "" {
			continue
		}
		score, _ := hit["_rankingScore"].(float64)
		hits = append(hits, domain.SearchHit{ID: id, Score: score})
	}
	return hits, nil
}

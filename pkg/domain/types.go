package domain

import "time"

// ContentKind discriminates the single content variant attached to a bookmark.
// It is stored explicitly on the bookmark row rather than inferred from which
// variant row happens to exist.
type ContentKind string

const (
	ContentLink  ContentKind = "link"
	ContentText  ContentKind = "text"
	ContentAsset ContentKind = "asset"
)

// TaggingStatus tracks one AI enrichment attempt.
// It transitions pending -> success or pending -> failure exactly once;
// a manual re-crawl resets it to pending.
type TaggingStatus string

const (
	TaggingPending TaggingStatus = "pending"
	TaggingSuccess TaggingStatus = "success"
	TaggingFailure TaggingStatus = "failure"
)

// StageState is the enrichment position of a bookmark. Stage completion
// handlers compute the next transition from the current state instead of
// hardcoding the chain, so out-of-order or duplicate jobs stay harmless.
type StageState string

const (
	StageCreated  StageState = "created"
	StageCrawling StageState = "crawling"
	StageTagging  StageState = "tagging"
	StageReady    StageState = "ready"
)

// TagProvenance records who attached a tag. Immutable after creation.
type TagProvenance string

const (
	AttachedByHuman TagProvenance = "human"
	AttachedByAI    TagProvenance = "ai"
)

// AssetType is the kind of an uploaded asset bookmark.
type AssetType string

const (
	AssetImage AssetType = "image"
	AssetPDF   AssetType = "pdf"
)

// MaxTextLength caps direct edits of text content.
const MaxTextLength = 2000

// Bookmark is a user-owned saved item with exactly one content variant.
// CreatedAt is immutable and doubles as the pagination cursor and the
// search sort key.
type Bookmark struct {
	ID            string        `json:"id"`
	UserID        string        `json:"userId"`
	Kind          ContentKind   `json:"kind"`
	Archived      bool          `json:"archived"`
	Favourited    bool          `json:"favourited"`
	Note          string        `json:"note,omitempty"`
	TaggingStatus TaggingStatus `json:"taggingStatus"`
	Stage         StageState    `json:"stage"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`

	Link  *LinkContent  `json:"link,omitempty"`
	Text  *TextContent  `json:"text,omitempty"`
	Asset *AssetContent `json:"asset,omitempty"`

	Tags []Tag `json:"tags,omitempty"`
}

// LinkContent holds crawl-derived fields for a link bookmark.
// CrawledAt stays nil until the crawl stage completes; it is the sole
// "still enriching" signal consumers get.
type LinkContent struct {
	URL                       string     `json:"url"`
	Title                     string     `json:"title,omitempty"`
	Description               string     `json:"description,omitempty"`
	ImageURL                  string     `json:"imageUrl,omitempty"`
	VideoURL                  string     `json:"videoUrl,omitempty"`
	HTMLContent               string     `json:"-"`
	ScreenshotAssetID         string     `json:"screenshotAssetId,omitempty"`
	FullPageScreenshotAssetID string     `json:"fullPageScreenshotAssetId,omitempty"`
	VideoAssetID              string     `json:"videoAssetId,omitempty"`
	CrawledAt                 *time.Time `json:"crawledAt,omitempty"`
}

// TextContent is the raw text variant.
type TextContent struct {
	Text string `json:"text"`
}

// AssetContent references a blob in the external asset store.
// Metadata may carry a caption or OCR text usable as tagging input.
type AssetContent struct {
	AssetID   string            `json:"assetId"`
	AssetType AssetType         `json:"assetType"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Tag is a per-owner named label. Names are unique per owner.
// AttachedBy is populated when the tag is read through a bookmark.
type Tag struct {
	ID         string        `json:"id"`
	UserID     string        `json:"userId"`
	Name       string        `json:"name"`
	AttachedBy TagProvenance `json:"attachedBy,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// CrawlResult is what the link crawler capability produced for one fetch.
// Empty fields were not produced and must not overwrite stored values.
type CrawlResult struct {
	Title       string
	Description string
	ImageURL    string
	VideoURL    string
	HTMLContent string
}

// SearchDocument is the derived view pushed to the search engine.
type SearchDocument struct {
	ID        string   `json:"id"`
	UserID    string   `json:"userId"`
	Title     string   `json:"title,omitempty"`
	Content   string   `json:"content,omitempty"`
	Note      string   `json:"note,omitempty"`
	URL       string   `json:"url,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt int64    `json:"createdAt"`
}

// SearchHit is one ranked result from the search engine.
type SearchHit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

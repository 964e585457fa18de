package pipeline

import (
	"context"
	"log/slog"
	"time"

	"linkhive/internal/ratelimit"
	"linkhive/pkg/ai"
	"linkhive/pkg/crawler"
	"linkhive/pkg/queue"
	"linkhive/pkg/search"
	"linkhive/pkg/storage"
	"linkhive/pkg/store"
)

// JobQueue is the slice of the queue the pipeline needs: append jobs and
// run consumer pools.
type JobQueue interface {
	Enqueue(ctx context.Context, topic queue.Topic, payload queue.Payload) (queue.JobStatus, error)
	Consume(ctx context.Context, topic queue.Topic, concurrency int, handler func(context.Context, queue.JobStatus) error)
}

// Config sizes the per-topic worker pools and bounds a single stage run.
type Config struct {
	CrawlConcurrency int
	TagConcurrency   int
	VideoConcurrency int
	IndexConcurrency int
	StageTimeout     time.Duration
	// MaxAttempts mirrors the queue's retry ceiling so the tagging worker
	// can record a terminal failure on the final attempt.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.CrawlConcurrency <= 0 {
		c.CrawlConcurrency = 4
	}
	if c.TagConcurrency <= 0 {
		c.TagConcurrency = 2
	}
	if c.VideoConcurrency <= 0 {
		c.VideoConcurrency = 1
	}
	if c.IndexConcurrency <= 0 {
		c.IndexConcurrency = 2
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Pipeline wires the stage workers to the queue and to the capabilities
// each stage depends on. Screenshotter, video fetcher, object store, and
// crawl limiter are optional; an absent capability disables only the
// behavior that needs it.
type Pipeline struct {
	store  store.Store
	jobs   JobQueue
	crawl  crawler.Crawler
	shots  crawler.Screenshotter
	videos crawler.VideoFetcher
	tagger ai.Tagger
	search search.Client
	blobs  storage.ObjectStore
	limit  *ratelimit.FixedWindowLimiter
	logger *slog.Logger
	cfg    Config
}

type Options struct {
	Store         store.Store
	Queue         JobQueue
	Crawler       crawler.Crawler
	Screenshotter crawler.Screenshotter
	VideoFetcher  crawler.VideoFetcher
	Tagger        ai.Tagger
	Search        search.Client
	Objects       storage.ObjectStore
	CrawlLimiter  *ratelimit.FixedWindowLimiter
	Logger        *slog.Logger
	Config        Config
}

func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sc := opts.Search
	if sc == nil {
		sc = search.Disabled{}
	}
	return &Pipeline{
		store:  opts.Store,
		jobs:   opts.Queue,
		crawl:  opts.Crawler,
		shots:  opts.Screenshotter,
		videos: opts.VideoFetcher,
		tagger: opts.Tagger,
		search: sc,
		blobs:  opts.Objects,
		limit:  opts.CrawlLimiter,
		logger: logger,
		cfg:    opts.Config.withDefaults(),
	}
}

// Start launches the consumer pools. Workers run until ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	p.jobs.Consume(ctx, queue.TopicCrawl, p.cfg.CrawlConcurrency, p.handleCrawl)
	p.jobs.Consume(ctx, queue.TopicTag, p.cfg.TagConcurrency, p.handleTag)
	p.jobs.Consume(ctx, queue.TopicSearch, p.cfg.IndexConcurrency, p.handleIndex)
	if p.videos != nil && p.blobs != nil {
		p.jobs.Consume(ctx, queue.TopicVideo, p.cfg.VideoConcurrency, p.handleVideo)
	}
}

func (p *Pipeline) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.cfg.StageTimeout)
}

func (p *Pipeline) enqueue(ctx context.Context, topic queue.Topic, payload queue.Payload) error {
	_, err := p.jobs.Enqueue(ctx, topic, payload)
	return err
}

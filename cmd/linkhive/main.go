package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"linkhive/internal/app"
	"linkhive/internal/config"
	"linkhive/internal/pipeline"
	"linkhive/internal/ratelimit"
	"linkhive/internal/server"
	"linkhive/internal/util"
	"linkhive/pkg/ai"
	"linkhive/pkg/crawler"
	"linkhive/pkg/queue"
	"linkhive/pkg/search"
	"linkhive/pkg/storage"
	"linkhive/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		StreamPrefix: cfg.QueueStreamPrefix,
		Group:        cfg.QueueGroup,
		MaxRetries:   cfg.QueueMaxRetries,
	})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}

	var blobs storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		minioStore, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey,
			cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init object store: %v", err)
		}
		blobs = minioStore
	}

	var searchClient search.Client = search.Disabled{}
	if cfg.MeiliHost != "" {
		meili, err := search.NewMeiliClient(search.MeiliConfig{
			Host:     cfg.MeiliHost,
			APIKey:   cfg.MeiliAPIKey,
			IndexUID: cfg.MeiliIndexUID,
		})
		if err != nil {
			log.Fatalf("failed to init search client: %v", err)
		}
		searchClient = meili
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.CrawlHostRateLimit > 0 {
		limiter, err = ratelimit.NewFixedWindowLimiter(jobs.Client(), "linkhive:crawl",
			cfg.CrawlHostRateLimit, time.Duration(cfg.CrawlHostWindowSeconds)*time.Second)
		if err != nil {
			log.Fatalf("failed to init crawl limiter: %v", err)
		}
	}

	var videoFetcher crawler.VideoFetcher
	if cfg.VideoExtractionEnabled {
		videoFetcher = crawler.NewHTTPVideoFetcher(crawler.HTTPVideoFetcherConfig{
			MaxBytes: cfg.VideoMaxBytes,
		})
	}

	pipe := pipeline.New(pipeline.Options{
		Store: st,
		Queue: jobs,
		Crawler: crawler.NewHTTPCrawler(crawler.HTTPCrawlerConfig{
			NavigationTimeout: time.Duration(cfg.CrawlerTimeoutSeconds) * time.Second,
			UserAgent:         cfg.CrawlerUserAgent,
		}),
		VideoFetcher: videoFetcher,
		Tagger:       newTagger(cfg),
		Search:       searchClient,
		Objects:      blobs,
		CrawlLimiter: limiter,
		Logger:       logger,
		Config: pipeline.Config{
			CrawlConcurrency: cfg.CrawlConcurrency,
			TagConcurrency:   cfg.TagConcurrency,
			VideoConcurrency: cfg.VideoConcurrency,
			IndexConcurrency: cfg.IndexConcurrency,
			StageTimeout:     time.Duration(cfg.StageTimeoutSeconds) * time.Second,
			MaxAttempts:      cfg.QueueMaxRetries,
		},
	})

	appCore := app.New(app.Options{
		Store:      st,
		Queue:      jobs,
		Search:     searchClient,
		Objects:    blobs,
		Logger:     logger,
		PresignTTL: time.Duration(cfg.PresignExpiryMinutes) * time.Minute,
	})

	httpServer := server.New(server.Config{
		App:            appCore,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	pipe.Start(ctx)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("linkhive server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func newTagger(cfg config.FileConfig) ai.Tagger {
	timeout := time.Duration(cfg.TaggerTimeoutSeconds) * time.Second
	var generator ai.TextGenerator
	switch strings.ToLower(strings.TrimSpace(cfg.TaggerProvider)) {
	case "ollama":
		generator = ai.NewOllamaGenerator(cfg.TaggerBaseURL, cfg.TaggerModel, timeout)
	default:
		generator = ai.NewOpenAICompatGenerator(cfg.TaggerBaseURL, cfg.TaggerAPIKey, cfg.TaggerModel, timeout)
	}
	return ai.NewLLMTagger(generator, cfg.TaggerMaxTags)
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"linkhive/internal/util"
)

// Topic names one stage stream. Each topic is a separate Redis stream with
// its own consumer group and worker pool.
type Topic string

const (
	TopicCrawl  Topic = "crawl"
	TopicTag    Topic = "openai"
	TopicVideo  Topic = "video"
	TopicSearch Topic = "search_indexing"
)

// Kind values for search_indexing payloads.
const (
	KindIndex  = "index"
	KindDelete = "delete"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Payload is the entire job body. It deliberately carries no content
// snapshot: workers always re-read authoritative state, so a job that
// outlives an edit or a delete stays harmless.
type Payload struct {
	BookmarkID string `json:"bookmarkId"`
	Kind       string `json:"kind,omitempty"`
}

// JobStatus mirrors the per-job status hash kept alongside the stream.
type JobStatus struct {
	ID           string    `json:"id"`
	Topic        Topic     `json:"topic"`
	BookmarkID   string    `json:"bookmarkId"`
	Kind         string    `json:"kind,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RedisJobQueue is an at-least-once topic queue on Redis Streams.
// Delivery uses consumer groups; stalled messages are reclaimed with
// XAUTOCLAIM, and a job that keeps failing is marked failed after
// maxRetries attempts instead of looping forever.
type RedisJobQueue struct {
	client       *redis.Client
	streamPrefix string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64

	mu     sync.Mutex
	groups map[Topic]bool
}

type RedisQueueConfig struct {
	Addr         string
	Password     string
	StreamPrefix string
	Group        string
	Consumer     string
	JobTTL       time.Duration
	MaxRetries   int
	Block        time.Duration
	ClaimIdle    time.Duration
	RetryDelay   time.Duration
	MaxLen       int64
	ReadCount    int64
	ClaimCount   int64
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	prefix := strings.TrimSpace(cfg.StreamPrefix)
	if prefix == "" {
		prefix = "linkhive:queue"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "workers"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisJobQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		streamPrefix: prefix,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
		groups:       make(map[Topic]bool),
	}, nil
}

// Client exposes the underlying connection so collaborators that share the
// same Redis (rate limiter) can reuse it.
func (q *RedisJobQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisJobQueue) stream(topic Topic) string {
	return fmt.Sprintf("%s:%s", q.streamPrefix, topic)
}

// Enqueue appends a job to the topic stream. Callers invoke it only after
// their owning database transaction has committed.
func (q *RedisJobQueue) Enqueue(ctx context.Context, topic Topic, payload Payload) (JobStatus, error) {
	payload.BookmarkID = strings.TrimSpace(payload.BookmarkID)
	if payload.BookmarkID == "" {
		return JobStatus{}, errors.New("bookmarkId required")
	}
	if topic == "" {
		return JobStatus{}, errors.New("topic required")
	}
	job := JobStatus{
		ID:         util.NewID(),
		Topic:      topic,
		BookmarkID: payload.BookmarkID,
		Kind:       payload.Kind,
		Status:     StatusQueued,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return JobStatus{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream(topic),
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":      job.ID,
			"bookmark_id": job.BookmarkID,
			"kind":        job.Kind,
		},
	}).Err(); err != nil {
		return JobStatus{}, err
	}
	return job, nil
}

// GetJob returns the status hash for a job ID.
func (q *RedisJobQueue) GetJob(ctx context.Context, topic Topic, jobID string) (JobStatus, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(topic, jobID)).Result()
	if err != nil {
		return JobStatus{}, false, err
	}
	if len(data) == 0 {
		return JobStatus{}, false, nil
	}
	return decodeJobStatus(topic, jobID, data), true, nil
}

// Consume starts a bounded pool of consumers for one topic. Handler errors
// requeue the job with delay until the attempt ceiling is reached.
func (q *RedisJobQueue) Consume(ctx context.Context, topic Topic, concurrency int, handler func(context.Context, JobStatus) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx, topic)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%s-%d", q.consumerBase, topic, i)
		go q.consumeLoop(ctx, topic, consumer, handler)
	}
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context, topic Topic) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.groups[topic] {
		return
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream(topic), q.group, "$").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		q.groups[topic] = true
	}
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, topic Topic, consumer string, handler func(context.Context, JobStatus) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, topic, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, topic, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream(topic), ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, topic, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, topic Topic, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream(topic),
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, topic Topic, msg redis.XMessage, handler func(context.Context, JobStatus) error) {
	jobID, _ := msg.Values["job_id"].(string)
	bookmarkID, _ := msg.Values["bookmark_id"].(string)
	kind, _ := msg.Values["kind"].(string)
	if jobID == "" || bookmarkID == "" {
		q.ackAndDel(ctx, topic, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, topic, jobID, bookmarkID, kind)
	if err != nil {
		q.ackAndDel(ctx, topic, msg.ID)
		return
	}
	if err := handler(ctx, job); err == nil {
		_ = q.markDone(ctx, topic, jobID)
		q.ackAndDel(ctx, topic, msg.ID)
		return
	} else if job.Attempts >= q.maxRetries {
		_ = q.markFailed(ctx, topic, jobID, err.Error())
		q.ackAndDel(ctx, topic, msg.ID)
		return
	} else {
		_ = q.markQueued(ctx, topic, jobID, err.Error())
	}
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, topic, msg.ID, jobID, bookmarkID, kind)
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, topic Topic, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream(topic), q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream(topic), msgID).Result()
}

// requeueAndAck re-appends the message and acks the old delivery in one
// transaction so a crash cannot drop the job.
func (q *RedisJobQueue) requeueAndAck(ctx context.Context, topic Topic, msgID, jobID, bookmarkID, kind string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream(topic),
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":      jobID,
			"bookmark_id": bookmarkID,
			"kind":        kind,
		},
	})
	pipe.XAck(ctx, q.stream(topic), q.group, msgID)
	pipe.XDel(ctx, q.stream(topic), msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) markProcessing(ctx context.Context, topic Topic, jobID, bookmarkID, kind string) (JobStatus, error) {
	job, _, err := q.GetJob(ctx, topic, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	if job.ID == "" {
		job = JobStatus{ID: jobID, Topic: topic}
	}
	if bookmarkID != "" {
		job.BookmarkID = bookmarkID
	}
	if kind != "" {
		job.Kind = kind
	}
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return JobStatus{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) markQueued(ctx context.Context, topic Topic, jobID, errMsg string) error {
	job, _, err := q.GetJob(ctx, topic, jobID)
	if err != nil {
		return err
	}
	job.Status = StatusQueued
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) markDone(ctx context.Context, topic Topic, jobID string) error {
	job, _, err := q.GetJob(ctx, topic, jobID)
	if err != nil {
		return err
	}
	job.Status = StatusDone
	job.ErrorMessage = ""
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) markFailed(ctx context.Context, topic Topic, jobID, errMsg string) error {
	job, _, err := q.GetJob(ctx, topic, jobID)
	if err != nil {
		return err
	}
	job.Status = StatusFailed
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job JobStatus) error {
	key := q.jobKey(job.Topic, job.ID)
	payload := map[string]any{
		"id":         job.ID,
		"bookmarkId": job.BookmarkID,
		"kind":       job.Kind,
		"status":     job.Status,
		"error":      job.ErrorMessage,
		"attempts":   strconv.Itoa(job.Attempts),
		"createdAt":  job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":  job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RedisJobQueue) jobKey(topic Topic, jobID string) string {
	return fmt.Sprintf("job:%s:%s:%s", q.streamPrefix, topic, jobID)
}

func decodeJobStatus(topic Topic, jobID string, data map[string]string) JobStatus {
	job := JobStatus{ID: jobID, Topic: topic}
	job.BookmarkID = data["bookmarkId"]
	job.Kind = data["kind"]
	job.Status = data["status"]
	job.ErrorMessage = data["error"]
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}

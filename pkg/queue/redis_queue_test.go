package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestEnqueueWritesStatusAndStream(t *testing.T) {
	q, ctx := newTestQueue(t)

	job, err := q.Enqueue(ctx, TopicSearch, Payload{BookmarkID: "bm-1", Kind: KindIndex})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != StatusQueued {
		t.Fatalf("expected queued status, got %s", job.Status)
	}
	got, ok, err := q.GetJob(ctx, TopicSearch, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.BookmarkID != "bm-1" || got.Kind != KindIndex {
		t.Fatalf("unexpected job payload: %+v", got)
	}

	streamLen, err := q.client.XLen(ctx, q.stream(TopicSearch)).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected one message, got %d", streamLen)
	}
}

func TestTopicsAreIsolatedStreams(t *testing.T) {
	q, ctx := newTestQueue(t)

	if _, err := q.Enqueue(ctx, TopicCrawl, Payload{BookmarkID: "bm-1"}); err != nil {
		t.Fatalf("enqueue crawl: %v", err)
	}
	if _, err := q.Enqueue(ctx, TopicTag, Payload{BookmarkID: "bm-1"}); err != nil {
		t.Fatalf("enqueue tag: %v", err)
	}

	crawlLen, _ := q.client.XLen(ctx, q.stream(TopicCrawl)).Result()
	tagLen, _ := q.client.XLen(ctx, q.stream(TopicTag)).Result()
	videoLen, _ := q.client.XLen(ctx, q.stream(TopicVideo)).Result()
	if crawlLen != 1 || tagLen != 1 || videoLen != 0 {
		t.Fatalf("unexpected stream lengths: crawl=%d tag=%d video=%d", crawlLen, tagLen, videoLen)
	}
}

func TestRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, jobID := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, TopicCrawl, msgID, jobID, "bm-1", ""); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream(TopicCrawl), q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream(TopicCrawl), ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != jobID || got.Values["bookmark_id"] != "bm-1" {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, jobID := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, TopicCrawl, msgID, jobID, "bm-1", ""); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream(TopicCrawl), q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream(TopicCrawl)).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestMarkFailedAfterAttemptCeiling(t *testing.T) {
	q, ctx, msgID, jobID := newPendingQueueMessage(t)

	// Drive attempts past the ceiling; the terminal state must be failed,
	// not an endless requeue.
	for i := 0; i < q.maxRetries; i++ {
		if _, err := q.markProcessing(ctx, TopicCrawl, jobID, "bm-1", ""); err != nil {
			t.Fatalf("mark processing: %v", err)
		}
	}
	job, _, err := q.GetJob(ctx, TopicCrawl, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Attempts < q.maxRetries {
		t.Fatalf("expected attempts >= %d, got %d", q.maxRetries, job.Attempts)
	}
	if err := q.markFailed(ctx, TopicCrawl, jobID, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	q.ackAndDel(ctx, TopicCrawl, msgID)

	job, ok, err := q.GetJob(ctx, TopicCrawl, jobID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if job.Status != StatusFailed || job.ErrorMessage != "boom" {
		t.Fatalf("unexpected terminal job: %+v", job)
	}
}

func newTestQueue(t *testing.T) (*RedisJobQueue, context.Context) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:         redisSrv.Addr(),
		StreamPrefix: "test:queue",
		Group:        "test-group",
		Consumer:     "consumer-1",
		RetryDelay:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q, context.Background()
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, string) {
	t.Helper()

	q, ctx := newTestQueue(t)
	q.ensureGroup(ctx, TopicCrawl)

	job, err := q.Enqueue(ctx, TopicCrawl, Payload{BookmarkID: "bm-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream(TopicCrawl), ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	return q, ctx, streams[0].Messages[0].ID, job.ID
}

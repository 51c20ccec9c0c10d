package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *RedisJobQueue {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := NewRedisJobQueue(client, RedisQueueConfig{
		Stream:     "test:queue",
		Group:      "test-group",
		Consumer:   "consumer-1",
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, job); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
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
	if got.Values["job_id"] != job.ID || got.Values["kind"] != KindBlobCleanup {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, job); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestRedisJobQueueDeliversPayloadAndRetries(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, KindBlobCleanup, BlobCleanup{Keys: []string{"messages/a_b/m1/x.png"}, Reason: "test"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var calls atomic.Int32
	got := make(chan BlobCleanup, 1)
	q.Start(ctx, 1, func(_ context.Context, j Job) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		var payload BlobCleanup
		if err := j.Decode(&payload); err != nil {
			return err
		}
		got <- payload
		return nil
	})

	select {
	case payload := <-got:
		if len(payload.Keys) != 1 || payload.Keys[0] != "messages/a_b/m1/x.png" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("job was not delivered")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, ok, err := q.GetJob(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && status.Status == StatusDone {
			if status.Attempts != 2 {
				t.Fatalf("expected 2 attempts, got %d", status.Attempts)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never reached done: %+v", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWaitDrainsRunningJob(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := q.Enqueue(ctx, KindBlobCleanup, BlobCleanup{Keys: []string{"k1"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	running := make(chan struct{})
	release := make(chan struct{})
	q.Start(ctx, 2, func(context.Context, Job) error {
		close(running)
		<-release
		return nil
	})
	select {
	case <-running:
	case <-time.After(3 * time.Second):
		t.Fatalf("job was not delivered")
	}

	cancel()
	waited := make(chan struct{})
	go func() {
		q.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatalf("Wait returned while a job was still running")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	select {
	case <-waited:
	case <-time.After(3 * time.Second):
		t.Fatalf("Wait did not return after the job finished")
	}
}

func TestEnqueueRequiresKind(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.Enqueue(context.Background(), " ", nil); err == nil {
		t.Fatalf("expected missing kind to fail")
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, Job) {
	t.Helper()

	q := newTestQueue(t)
	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, KindBlobCleanup, BlobCleanup{Keys: []string{"k1"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	return q, ctx, streams[0].Messages[0].ID, job
}

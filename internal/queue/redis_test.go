package queue

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/leadpulse/webhooks/internal/clock"
)

func setupQueue(t *testing.T) (*RedisQueue, *clock.MockClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clk := &clock.MockClock{NowTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewRedisQueue(client, clk, logger), clk
}

func TestRedisQueue_ImmediateJob(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Job{DeliveryID: "d-1"}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	jobs, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(jobs) != 1 || jobs[0].DeliveryID != "d-1" {
		t.Fatalf("jobs = %+v, want one job for d-1", jobs)
	}

	// Claimed jobs are gone.
	jobs, err = q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected empty queue after claim, got %d jobs", len(jobs))
	}
}

func TestRedisQueue_DelayedJobNotReadyUntilDue(t *testing.T) {
	q, clk := setupQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Job{DeliveryID: "d-1", Attempt: 1}, 5*time.Second); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	jobs, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("delayed job should not be ready yet, got %d jobs", len(jobs))
	}

	clk.Advance(5 * time.Second)

	jobs, err = q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(jobs) != 1 || jobs[0].DeliveryID != "d-1" || jobs[0].Attempt != 1 {
		t.Fatalf("jobs = %+v, want d-1 attempt 1", jobs)
	}
}

func TestRedisQueue_OrderAndBatchLimit(t *testing.T) {
	q, clk := setupQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Job{DeliveryID: "later"}, 10*time.Second)
	q.Enqueue(ctx, Job{DeliveryID: "sooner"}, 1*time.Second)

	clk.Advance(1 * time.Second)

	jobs, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(jobs) != 1 || jobs[0].DeliveryID != "sooner" {
		t.Fatalf("jobs = %+v, want only the due job", jobs)
	}

	clk.Advance(9 * time.Second)

	jobs, _ = q.Dequeue(ctx, 10)
	if len(jobs) != 1 || jobs[0].DeliveryID != "later" {
		t.Fatalf("jobs = %+v, want the remaining job", jobs)
	}
}

func TestRedisQueue_UnackedJobIsRedeliveredAfterLeaseExpiry(t *testing.T) {
	q, clk := setupQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Job{DeliveryID: "d-1", Attempt: 2}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	jobs, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %+v, want one claimed job", jobs)
	}

	// The worker dies before acking. The job stays leased, not lost.
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Errorf("depth = %d, want 1 while leased", depth)
	}
	if jobs, _ = q.Dequeue(ctx, 10); len(jobs) != 0 {
		t.Fatalf("leased job redelivered before its deadline: %+v", jobs)
	}

	clk.Advance(visibilityTimeout + time.Second)

	jobs, err = q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue after lease expiry: %v", err)
	}
	if len(jobs) != 1 || jobs[0].DeliveryID != "d-1" || jobs[0].Attempt != 2 {
		t.Fatalf("jobs = %+v, want the original job redelivered", jobs)
	}
}

func TestRedisQueue_AckedJobIsNotRedelivered(t *testing.T) {
	q, clk := setupQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Job{DeliveryID: "d-1"}, 0)

	jobs, _ := q.Dequeue(ctx, 10)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %+v, want one claimed job", jobs)
	}
	if err := q.Ack(ctx, jobs[0]); err != nil {
		t.Fatalf("ack: %v", err)
	}

	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Errorf("depth = %d, want 0 after ack", depth)
	}

	clk.Advance(visibilityTimeout + time.Hour)
	if jobs, _ := q.Dequeue(ctx, 10); len(jobs) != 0 {
		t.Errorf("acked job came back: %+v", jobs)
	}
}

func TestRedisQueue_Depth(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(ctx, Job{DeliveryID: id}, time.Minute)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 3 {
		t.Errorf("depth = %d, want 3", depth)
	}
}

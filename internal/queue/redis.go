package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leadpulse/webhooks/internal/clock"
)

const (
	deliveryQueueKey      = "webhook:delivery_queue"
	deliveryProcessingKey = "webhook:delivery_processing"

	// How long a claimed job may stay unacknowledged before it is
	// handed back to the ready queue. Must exceed the worker's HTTP
	// client ceiling so a slow attempt is never redelivered mid-flight.
	visibilityTimeout = 2 * time.Minute
)

// RedisQueue implements Queue on two Redis sorted sets. Ready jobs live
// in the queue set scored by their ready-time; Dequeue claims a job by
// moving it into the processing set under a lease deadline. Ack removes
// the lease. A lease that expires (worker crash between claim and ack)
// is swept back into the ready queue on the next Dequeue, so every job
// is delivered at least once.
type RedisQueue struct {
	client *redis.Client
	clock  clock.Clock
	logger *slog.Logger
}

func NewRedisQueue(client *redis.Client, clk clock.Clock, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{client: client, clock: clk, logger: logger}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	member, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	readyAt := q.clock.Now().Add(delay)
	err = q.client.ZAdd(ctx, deliveryQueueKey, redis.Z{
		Score:  float64(readyAt.UnixMicro()),
		Member: string(member),
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueuing delivery job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, max int) ([]Job, error) {
	now := q.clock.Now()
	if err := q.redeliverExpired(ctx, now); err != nil {
		return nil, err
	}

	results, err := q.client.ZRangeByScore(ctx, deliveryQueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   scoreAt(now),
		Count: int64(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling delivery queue: %w", err)
	}

	var jobs []Job
	for _, member := range results {
		// ZRem returns 0 when another consumer already claimed the job.
		removed, err := q.client.ZRem(ctx, deliveryQueueKey, member).Result()
		if err != nil {
			return jobs, fmt.Errorf("claiming delivery job: %w", err)
		}
		if removed == 0 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			q.logger.Error("dropping malformed queue member", "error", err)
			continue
		}

		deadline := now.Add(visibilityTimeout)
		err = q.client.ZAdd(ctx, deliveryProcessingKey, redis.Z{
			Score:  float64(deadline.UnixMicro()),
			Member: member,
		}).Err()
		if err != nil {
			return jobs, fmt.Errorf("leasing delivery job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// Ack acknowledges a processed job, releasing its lease so it is not
// redelivered.
func (q *RedisQueue) Ack(ctx context.Context, job Job) error {
	member, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	if err := q.client.ZRem(ctx, deliveryProcessingKey, string(member)).Err(); err != nil {
		return fmt.Errorf("acknowledging delivery job: %w", err)
	}
	return nil
}

// Depth counts outstanding jobs: waiting plus claimed-but-unacked.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	ready, err := q.client.ZCard(ctx, deliveryQueueKey).Result()
	if err != nil {
		return 0, err
	}
	leased, err := q.client.ZCard(ctx, deliveryProcessingKey).Result()
	if err != nil {
		return 0, err
	}
	return ready + leased, nil
}

// redeliverExpired moves jobs whose lease deadline has passed back into
// the ready queue. The delivery store's status guard absorbs any
// duplicate that results from a worker finishing late.
func (q *RedisQueue) redeliverExpired(ctx context.Context, now time.Time) error {
	expired, err := q.client.ZRangeByScore(ctx, deliveryProcessingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: scoreAt(now),
	}).Result()
	if err != nil {
		return fmt.Errorf("sweeping delivery leases: %w", err)
	}

	for _, member := range expired {
		removed, err := q.client.ZRem(ctx, deliveryProcessingKey, member).Result()
		if err != nil {
			return fmt.Errorf("reclaiming delivery job: %w", err)
		}
		if removed == 0 {
			continue
		}
		err = q.client.ZAdd(ctx, deliveryQueueKey, redis.Z{
			Score:  float64(now.UnixMicro()),
			Member: member,
		}).Err()
		if err != nil {
			return fmt.Errorf("redelivering delivery job: %w", err)
		}
		q.logger.Warn("delivery job lease expired, redelivering", "member", member)
	}
	return nil
}

func scoreAt(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro()), 'f', -1, 64)
}

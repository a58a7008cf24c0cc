// Package queue provides the durable delayed job queue that carries
// delivery IDs between the dispatcher and the worker pool.
package queue

import (
	"context"
	"time"
)

// Job references a Delivery waiting to be processed.
type Job struct {
	DeliveryID string `json:"delivery_id"`
	Attempt    int    `json:"attempt"`
}

// Queue is a durable, at-least-once delayed job queue. Enqueue with a
// zero delay makes the job immediately ready; a positive delay realizes
// the retry backoff as queue-level scheduling rather than sleeping
// workers.
type Queue interface {
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
	// Dequeue claims up to max ready jobs under a lease. A job whose
	// lease expires before Ack is redelivered by a later Dequeue; jobs
	// claimed by a concurrent consumer are skipped.
	Dequeue(ctx context.Context, max int) ([]Job, error)
	// Ack releases a claimed job's lease after processing. Unacked
	// jobs come back, so processing must be idempotent.
	Ack(ctx context.Context, job Job) error
	Depth(ctx context.Context) (int64, error)
}

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/leadpulse/webhooks/internal/observability"
	"github.com/leadpulse/webhooks/internal/queue"
)

// Consumer polls the delivery queue for ready jobs and feeds them to
// the worker pool.
type Consumer struct {
	queue        queue.Queue
	pool         *Pool
	logger       *slog.Logger
	metrics      *observability.Metrics
	pollInterval time.Duration
	batchSize    int
}

func NewConsumer(q queue.Queue, pool *Pool, logger *slog.Logger) *Consumer {
	return &Consumer{
		queue:        q,
		pool:         pool,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
	}
}

// WithPollInterval overrides how often the queue is polled.
func (c *Consumer) WithPollInterval(interval time.Duration) *Consumer {
	if interval > 0 {
		c.pollInterval = interval
	}
	return c
}

// WithBatchSize overrides how many jobs one poll may claim.
func (c *Consumer) WithBatchSize(n int) *Consumer {
	if n > 0 {
		c.batchSize = n
	}
	return c
}

// WithMetrics enables queue depth reporting.
func (c *Consumer) WithMetrics(m *observability.Metrics) *Consumer {
	c.metrics = m
	return c
}

// Start begins the polling loop. It runs until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("queue consumer started", "poll_interval", c.pollInterval.String())

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("queue consumer stopping")
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *Consumer) poll(ctx context.Context) {
	jobs, err := c.queue.Dequeue(ctx, c.batchSize)
	if err != nil {
		c.logger.Error("failed to poll delivery queue", "error", err)
		return
	}

	for _, job := range jobs {
		c.pool.Submit(job)
	}

	if c.metrics != nil {
		if depth, err := c.queue.Depth(ctx); err == nil {
			c.metrics.QueueDepth.Set(float64(depth))
		}
	}
}

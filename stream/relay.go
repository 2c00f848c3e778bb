package stream

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/atomic"

	"mousekit.app/cloud/internal/logger"
)

// Feed is the slice of the storage layer the relay needs: fetch pending
// changes, then settle each one as delivered, retried or parked.
type Feed interface {
	PendingChanges(ctx context.Context, limit int) ([]*ChangeRecord, error)
	MarkDelivered(ctx context.Context, seq int64) error
	MarkRetry(ctx context.Context, seq int64, reason string) error
	MarkParked(ctx context.Context, seq int64, reason string) error
}

// Publisher forwards change messages to an external transport instead of
// delivering them in process. Used when relay and consumers run separately.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Stats are cumulative delivery counters, exposed on the health endpoint.
type Stats struct {
	Delivered atomic.Int64
	Retried   atomic.Int64
	Parked    atomic.Int64
}

// Relay drains the change feed and fans each batch out to every registered
// consumer, in order. A change is settled only when all consumers accepted
// it; a change failed by any consumer is retried up to MaxRetries times and
// then parked.
type Relay struct {
	feed      Feed
	consumers []Consumer
	publisher Publisher

	interval   time.Duration
	batchSize  int
	maxRetries int

	stats Stats

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// Option tweaks relay timing and limits.
type Option func(*Relay)

func WithInterval(d time.Duration) Option {
	return func(r *Relay) { r.interval = d }
}

func WithBatchSize(n int) Option {
	return func(r *Relay) { r.batchSize = n }
}

func WithMaxRetries(n int) Option {
	return func(r *Relay) { r.maxRetries = n }
}

// WithPublisher routes messages to an external transport. Consumers are
// then expected to run behind a Listener on the other side.
func WithPublisher(p Publisher) Option {
	return func(r *Relay) { r.publisher = p }
}

func NewRelay(feed Feed, consumers []Consumer, opts ...Option) *Relay {
	r := &Relay{
		feed:       feed,
		consumers:  consumers,
		interval:   2 * time.Second,
		batchSize:  25,
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) Stats() *Stats {
	return &r.stats
}

// Start launches the polling loop in its own goroutine. A stopped relay
// can be started again; each run gets a fresh stop channel.
func (r *Relay) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		logger.Warn("Relay already running")
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stop := r.stopCh
	r.mu.Unlock()

	logger.Info("Starting change-stream relay", map[string]interface{}{
		"interval":   r.interval.String(),
		"batch_size": r.batchSize,
		"consumers":  len(r.consumers),
	})
	go r.loop(stop)
}

func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.stopCh)
}

func (r *Relay) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Drain(context.Background())
		case <-stop:
			logger.Info("Stopping change-stream relay")
			return
		}
	}
}

// Drain fetches one batch of pending changes and delivers it. Exposed so
// tests and the in-process setup can pump the feed synchronously.
func (r *Relay) Drain(ctx context.Context) {
	records, err := r.feed.PendingChanges(ctx, r.batchSize)
	if err != nil {
		logger.Error("Failed to fetch pending changes", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if len(records) == 0 {
		return
	}

	msgs := make([]Message, 0, len(records))
	bySeq := make(map[string]*ChangeRecord, len(records))
	for _, rec := range records {
		id := strconv.FormatInt(rec.Seq, 10)
		msg, err := NewMessage(id, &rec.Change)
		if err != nil {
			r.settleFailure(ctx, rec, err.Error())
			continue
		}
		msgs = append(msgs, msg)
		bySeq[id] = rec
	}
	if len(msgs) == 0 {
		return
	}

	if r.publisher != nil {
		r.publish(ctx, msgs, bySeq)
		return
	}

	failed := Deliver(ctx, r.consumers, msgs)
	for _, msg := range msgs {
		rec := bySeq[msg.ID]
		if reason, ok := failed[msg.ID]; ok {
			r.settleFailure(ctx, rec, reason)
			continue
		}
		if err := r.feed.MarkDelivered(ctx, rec.Seq); err != nil {
			logger.Error("Failed to mark change delivered", map[string]interface{}{
				"seq":   rec.Seq,
				"error": err.Error(),
			})
			continue
		}
		r.stats.Delivered.Inc()
	}
}

func (r *Relay) publish(ctx context.Context, msgs []Message, bySeq map[string]*ChangeRecord) {
	for _, msg := range msgs {
		rec := bySeq[msg.ID]
		if err := r.publisher.Publish(ctx, msg); err != nil {
			r.settleFailure(ctx, rec, fmt.Sprintf("publish: %v", err))
			continue
		}
		if err := r.feed.MarkDelivered(ctx, rec.Seq); err != nil {
			logger.Error("Failed to mark change delivered", map[string]interface{}{
				"seq":   rec.Seq,
				"error": err.Error(),
			})
			continue
		}
		r.stats.Delivered.Inc()
	}
}

func (r *Relay) settleFailure(ctx context.Context, rec *ChangeRecord, reason string) {
	if rec.RetryCount+1 >= r.maxRetries {
		logger.Error("Change parked after max retries", map[string]interface{}{
			"seq":     rec.Seq,
			"retries": rec.RetryCount,
			"reason":  reason,
		})
		sentry.CaptureMessage(fmt.Sprintf("change %d parked: %s", rec.Seq, reason))
		if err := r.feed.MarkParked(ctx, rec.Seq, reason); err != nil {
			logger.Error("Failed to park change", map[string]interface{}{
				"seq":   rec.Seq,
				"error": err.Error(),
			})
		}
		r.stats.Parked.Inc()
		return
	}
	if err := r.feed.MarkRetry(ctx, rec.Seq, reason); err != nil {
		logger.Error("Failed to mark change for retry", map[string]interface{}{
			"seq":   rec.Seq,
			"error": err.Error(),
		})
	}
	r.stats.Retried.Inc()
}

// Deliver hands one batch to every consumer and returns the union of failed
// item identifiers with a reason. A message is failed if any consumer
// reported it; redelivery to a consumer that already settled it is safe
// because consumers dedup on persisted markers.
func Deliver(ctx context.Context, consumers []Consumer, msgs []Message) map[string]string {
	failed := make(map[string]string)
	for _, c := range consumers {
		result := c.ProcessBatch(ctx, msgs)
		logger.Debug("Consumer batch processed", map[string]interface{}{
			"consumer":  c.Name(),
			"processed": result.Processed,
			"success":   result.Success,
			"skipped":   result.Skipped,
			"failed":    result.Failed,
		})
		for id := range result.FailedIDs() {
			if _, ok := failed[id]; !ok {
				failed[id] = fmt.Sprintf("consumer %s failed item", c.Name())
			}
		}
	}
	return failed
}

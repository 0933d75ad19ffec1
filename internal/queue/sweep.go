package queue

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// RunCleanupSweep runs Cleanup on a ticker until ctx is cancelled, per
// SPEC_FULL.md §11: the retention sweep is a real background goroutine,
// grounded on the teacher's periodic-goroutine idiom (candleFinalization
// Loop / depth_gap_watcher.periodicHealthCheck), not just documented
// policy. clockMs supplies the current time for retention math, so tests
// can inject a fake clock.
func (q *Queue) RunCleanupSweep(ctx context.Context, retentionHours int, interval time.Duration, clockMs func() int64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.Cleanup(retentionHours, clockMs())
			if err != nil {
				q.log.Error("cleanup sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				q.log.Debug("cleanup sweep removed processed rows", zap.Int64("rows", n))
			}
		}
	}
}

// Poller repeatedly dequeues batches and hands them to a handler,
// marking each row processed on success, per spec.md §4.7: "A queue
// poller calling dequeue(batch) every ~1s... A cleanup sweep (~1% of
// polls) removes expired rows." Here the cleanup sweep runs on its own
// ticker (RunCleanupSweep) instead of a random 1-in-100 poll, which is
// equivalent in the steady state and easier to reason about/test.
type Poller struct {
	q              *Queue
	batchSize      int
	interval       time.Duration
	retentionHours int
	handle         func(body []byte, msgType string) error
	clockMs        func() int64
	log            *zap.Logger

	lastPollMs atomic.Int64
}

// NewPoller builds a Poller. handle is invoked once per dequeued
// message; a non-nil error leaves the row unprocessed for retry on the
// next poll (spec.md §7 "Candle validation failure at writer": "do not
// ack; allows retry").
func NewPoller(q *Queue, batchSize int, interval time.Duration, retentionHours int, clockMs func() int64, handle func(body []byte, msgType string) error, log *zap.Logger) *Poller {
	return &Poller{
		q:              q,
		batchSize:      batchSize,
		interval:       interval,
		retentionHours: retentionHours,
		handle:         handle,
		clockMs:        clockMs,
		log:            log.Named("queue-poller"),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

// LastPollMs returns the clockMs() value as of the last completed poll
// cycle, 0 if Run has never ticked. Used by the health endpoint to
// detect a wedged poller (spec.md §6 "components: {socket, poller, storage}").
func (p *Poller) LastPollMs() int64 {
	return p.lastPollMs.Load()
}

func (p *Poller) pollOnce() {
	defer p.lastPollMs.Store(p.clockMs())

	msgs, err := p.q.Dequeue(p.batchSize)
	if err != nil {
		p.log.Error("dequeue failed", zap.Error(err))
		return
	}
	for _, msg := range msgs {
		if err := p.handle(msg.Payload, msg.Type); err != nil {
			p.log.Warn("handler rejected queued message, leaving unprocessed for retry",
				zap.String("id", msg.ID), zap.String("type", msg.Type), zap.Error(err))
			continue
		}
		if err := p.q.MarkProcessed(msg.ID, p.clockMs()); err != nil {
			p.log.Error("mark processed failed", zap.String("id", msg.ID), zap.Error(err))
		}
	}
}

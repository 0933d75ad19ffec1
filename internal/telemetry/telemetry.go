// Package telemetry fans out non-candle pipeline events (gap detections,
// worker status snapshots) over Redis pub/sub, per SPEC_FULL.md §10: the
// fast channel and durable queue carry candle/state/gap IPC traffic, but
// the out-of-band "metrics channel" telemetry side channel reuses the
// teacher's pkg/redis.Client wrapper instead.
package telemetry

import (
	"context"
	"time"

	"flowtrace/internal/model"
	"flowtrace/internal/worker"
	pkgredis "flowtrace/pkg/redis"
)

// GapChannel is the Redis pub/sub channel gap-detection events publish to.
const GapChannel = "flowtrace:gaps"

// StatusChannel is the Redis pub/sub channel worker status snapshots
// publish to (spec.md §4.8's WORKER_STATUS/SYNC_METRICS replies).
const StatusChannel = "flowtrace:worker_status"

// gapEvent adapts a model.GapRecord to pkgredis.Event.
type gapEvent struct {
	model.GapRecord
	observedAt time.Time
}

func (e gapEvent) GetExchange() string     { return e.Exchange }
func (e gapEvent) GetSymbol() string       { return e.Symbol }
func (e gapEvent) GetTimestamp() time.Time { return e.observedAt }
func (e gapEvent) GetEventType() string    { return "gap_detected" }

// statusEvent adapts a worker.StatusReply to pkgredis.Event. Workers
// aren't symbol-scoped 1:1, so Symbol carries the worker id for
// routing/debugging rather than a real trading pair, and Exchange is empty.
type statusEvent struct {
	worker.StatusReply
	observedAt time.Time
}

func (e statusEvent) GetExchange() string     { return "" }
func (e statusEvent) GetSymbol() string       { return e.WorkerID }
func (e statusEvent) GetTimestamp() time.Time { return e.observedAt }
func (e statusEvent) GetEventType() string    { return "worker_status" }

// Publisher publishes pipeline telemetry over Redis. A thin adapter over
// pkg/redis.Client so its caller (cmd/ingest) depends only on this
// package's narrow surface.
type Publisher struct {
	client *pkgredis.Client
	clock  func() time.Time
}

// New wraps an already-connected Redis client.
func New(client *pkgredis.Client, clock func() time.Time) *Publisher {
	if clock == nil {
		clock = time.Now
	}
	return &Publisher{client: client, clock: clock}
}

// PublishGap fans a detected gap out to GapChannel for downstream
// dashboards/alerting, independent of the gap's own state-store record.
func (p *Publisher) PublishGap(ctx context.Context, g model.GapRecord) error {
	return p.client.Publish(ctx, GapChannel, gapEvent{GapRecord: g, observedAt: p.clock()})
}

// PublishWorkerStatus fans a worker's status reply out to StatusChannel.
func (p *Publisher) PublishWorkerStatus(ctx context.Context, s worker.StatusReply) error {
	return p.client.Publish(ctx, StatusChannel, statusEvent{StatusReply: s, observedAt: p.clock()})
}

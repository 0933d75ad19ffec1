// Package ingestwire adapts the ingest process's transport (the hybrid
// publisher and the IPC query round trip) to the narrow interfaces
// internal/worker declares (SnapshotLoader, SnapshotSaver, CandleSink,
// GapSink), so worker itself never imports ipc or publisher directly.
package ingestwire

import (
	"encoding/json"
	"time"

	"flowtrace/internal/ipc"
	"flowtrace/internal/model"
)

// Publisher is the subset of publisher.HybridPublisher this package
// depends on.
type Publisher interface {
	Publish(env model.Envelope) error
}

// ClockMs supplies the current time in epoch milliseconds for envelope
// timestamps; production callers pass func() int64 { return time.Now().UnixMilli() }.
type ClockMs func() int64

// PublisherSink publishes candles, gaps, and dirty snapshots over the
// fast channel (falling back to the durable queue inside Publisher
// itself), implementing worker.CandleSink, worker.GapSink, and
// worker.SnapshotSaver.
type PublisherSink struct {
	pub   Publisher
	clock ClockMs
}

// NewPublisherSink wraps pub. clock defaults to wall-clock if nil.
func NewPublisherSink(pub Publisher, clock ClockMs) *PublisherSink {
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	return &PublisherSink{pub: pub, clock: clock}
}

// PublishCandle implements worker.CandleSink.
func (s *PublisherSink) PublishCandle(c *model.Candle) error {
	msgType := model.MessageTypeCandle
	if c.Closed {
		msgType = model.MessageTypeCandleComplete
	}
	env, err := ipc.NewEnvelope(msgType, c, s.clock())
	if err != nil {
		return err
	}
	return s.pub.Publish(env)
}

// PublishGap implements worker.GapSink.
func (s *PublisherSink) PublishGap(g model.GapRecord) error {
	env, err := ipc.NewEnvelope(model.MessageTypeGap, ipc.GapPayload{Action: model.GapActionSave, Gap: &g}, s.clock())
	if err != nil {
		return err
	}
	return s.pub.Publish(env)
}

// SaveSnapshots implements worker.SnapshotSaver.
func (s *PublisherSink) SaveSnapshots(snaps []model.CandleGroupSnapshot) error {
	payload := ipc.StatePayload{Action: model.StateActionSaveBatch, Snapshots: snaps}
	env, err := ipc.NewEnvelope(model.MessageTypeState, payload, s.clock())
	if err != nil {
		return err
	}
	return s.pub.Publish(env)
}

// SnapshotQueryClient issues synchronous state.load_batch calls against
// the persistence process's IPC socket, implementing worker.SnapshotLoader.
// Unlike PublisherSink this is request/response (spec.md §4.8 step 2),
// since a worker booting needs its prior state before it can start.
type SnapshotQueryClient struct {
	socketPath string
	timeout    time.Duration
	clock      ClockMs
}

// NewSnapshotQueryClient builds a client dialing socketPath per call.
func NewSnapshotQueryClient(socketPath string, timeout time.Duration, clock ClockMs) *SnapshotQueryClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	return &SnapshotQueryClient{socketPath: socketPath, timeout: timeout, clock: clock}
}

// LoadSnapshots implements worker.SnapshotLoader.
func (c *SnapshotQueryClient) LoadSnapshots(exchange string, symbols []string) (map[string]model.CandleGroupSnapshot, error) {
	req, err := ipc.NewEnvelope(model.MessageTypeState, ipc.StatePayload{
		Action: model.StateActionLoadBatch, Exchange: exchange, Symbols: symbols,
	}, c.clock())
	if err != nil {
		return nil, err
	}

	resp, err := ipc.Query(c.socketPath, req, c.timeout)
	if err != nil {
		return nil, err
	}

	var payload ipc.StatePayload
	if err := decodePayload(resp, &payload); err != nil {
		return nil, err
	}

	out := make(map[string]model.CandleGroupSnapshot, len(payload.Snapshots))
	for _, snap := range payload.Snapshots {
		out[snap.Symbol] = snap
	}
	return out, nil
}

func decodePayload(env model.Envelope, out *ipc.StatePayload) error {
	if len(env.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(env.Payload, out)
}

package ingestwire

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"flowtrace/internal/ipc"
	"flowtrace/internal/model"
)

type fakePublisher struct {
	envelopes []model.Envelope
}

func (f *fakePublisher) Publish(env model.Envelope) error {
	f.envelopes = append(f.envelopes, env)
	return nil
}

func fixedClock() int64 { return 1234 }

func TestPublisherSinkPublishCandleUsesCompleteTypeWhenClosed(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewPublisherSink(pub, fixedClock)

	open := &model.Candle{Exchange: "binance", Symbol: "BTCUSDT", Closed: false}
	if err := sink.PublishCandle(open); err != nil {
		t.Fatalf("PublishCandle: %v", err)
	}
	closed := &model.Candle{Exchange: "binance", Symbol: "BTCUSDT", Closed: true}
	if err := sink.PublishCandle(closed); err != nil {
		t.Fatalf("PublishCandle: %v", err)
	}

	if len(pub.envelopes) != 2 {
		t.Fatalf("expected 2 published envelopes, got %d", len(pub.envelopes))
	}
	if pub.envelopes[0].Type != model.MessageTypeCandle {
		t.Fatalf("expected open candle published as %s, got %s", model.MessageTypeCandle, pub.envelopes[0].Type)
	}
	if pub.envelopes[1].Type != model.MessageTypeCandleComplete {
		t.Fatalf("expected closed candle published as %s, got %s", model.MessageTypeCandleComplete, pub.envelopes[1].Type)
	}
}

func TestPublisherSinkPublishGap(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewPublisherSink(pub, fixedClock)

	g := model.NewGapRecord("binance", "BTCUSDT", 1, 5, 1000)
	if err := sink.PublishGap(g); err != nil {
		t.Fatalf("PublishGap: %v", err)
	}
	if len(pub.envelopes) != 1 || pub.envelopes[0].Type != model.MessageTypeGap {
		t.Fatalf("expected one gap envelope, got %+v", pub.envelopes)
	}
}

func TestPublisherSinkSaveSnapshots(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewPublisherSink(pub, fixedClock)

	snap := model.CandleGroupSnapshot{Exchange: "binance", Symbol: "BTCUSDT"}
	if err := sink.SaveSnapshots([]model.CandleGroupSnapshot{snap}); err != nil {
		t.Fatalf("SaveSnapshots: %v", err)
	}
	if len(pub.envelopes) != 1 || pub.envelopes[0].Type != model.MessageTypeState {
		t.Fatalf("expected one state envelope, got %+v", pub.envelopes)
	}
}

func TestSnapshotQueryClientLoadSnapshotsRoundTrips(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "flowtrace.sock")

	handler := func(env model.Envelope) (*model.Envelope, error) {
		payload := ipc.StatePayload{
			Action: model.StateActionLoadBatch,
			Snapshots: []model.CandleGroupSnapshot{
				{Exchange: "binance", Symbol: "BTCUSDT", TickValue: 0.1},
			},
		}
		resp, err := ipc.NewEnvelope(model.MessageTypeState, payload, 2000)
		if err != nil {
			return nil, err
		}
		return &resp, nil
	}
	srv := ipc.NewServer(socketPath, handler, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for !srv.SocketHealthy() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	client := NewSnapshotQueryClient(socketPath, time.Second, fixedClock)
	snaps, err := client.LoadSnapshots("binance", []string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("LoadSnapshots: %v", err)
	}
	snap, ok := snaps["BTCUSDT"]
	if !ok {
		t.Fatal("expected BTCUSDT snapshot in result")
	}
	if snap.TickValue != 0.1 {
		t.Fatalf("expected tick value 0.1, got %v", snap.TickValue)
	}
}

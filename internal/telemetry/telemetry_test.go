package telemetry

import (
	"testing"
	"time"

	"flowtrace/internal/model"
	"flowtrace/internal/worker"
	pkgredis "flowtrace/pkg/redis"
)

func TestGapEventImplementsRedisEvent(t *testing.T) {
	var _ pkgredis.Event = gapEvent{}

	g := model.NewGapRecord("binance", "BTCUSDT", 100, 105, 1000)
	now := time.Unix(1700000000, 0)
	e := gapEvent{GapRecord: g, observedAt: now}

	if e.GetExchange() != "binance" {
		t.Fatalf("expected exchange binance, got %s", e.GetExchange())
	}
	if e.GetSymbol() != "BTCUSDT" {
		t.Fatalf("expected symbol BTCUSDT, got %s", e.GetSymbol())
	}
	if e.GetEventType() != "gap_detected" {
		t.Fatalf("expected gap_detected, got %s", e.GetEventType())
	}
	if !e.GetTimestamp().Equal(now) {
		t.Fatalf("expected timestamp %v, got %v", now, e.GetTimestamp())
	}
}

func TestStatusEventImplementsRedisEvent(t *testing.T) {
	var _ pkgredis.Event = statusEvent{}

	now := time.Unix(1700000000, 0)
	e := statusEvent{StatusReply: worker.StatusReply{WorkerID: "w1", SymbolCount: 3}, observedAt: now}

	if e.GetSymbol() != "w1" {
		t.Fatalf("expected symbol w1 (worker id), got %s", e.GetSymbol())
	}
	if e.GetEventType() != "worker_status" {
		t.Fatalf("expected worker_status, got %s", e.GetEventType())
	}
}

package worker

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPoolRunsAndStopsWorkers(t *testing.T) {
	store := newFakeSnapshotStore()
	sink := &fakeSink{}
	w := newTestWorker(store, sink)

	p := NewPool(PoolConfig{}, nil, zap.NewNop())
	if err := p.Add("w1", w); err != nil {
		t.Fatalf("Add: %v", err)
	}
	p.Start()

	time.Sleep(20 * time.Millisecond)
	status, err := p.Status("w1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != "running" {
		t.Fatalf("expected running, got %s", status)
	}

	p.Stop()
	status, err = p.Status("w1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != "stopped" {
		t.Fatalf("expected stopped after Stop, got %s", status)
	}
}

func TestPoolRejectsDuplicateWorkerID(t *testing.T) {
	store := newFakeSnapshotStore()
	sink := &fakeSink{}
	p := NewPool(PoolConfig{}, nil, zap.NewNop())

	if err := p.Add("w1", newTestWorker(store, sink)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Add("w1", newTestWorker(store, sink)); err == nil {
		t.Fatal("expected error adding duplicate worker id")
	}
}

func TestPoolStatusUnknownWorker(t *testing.T) {
	p := NewPool(PoolConfig{}, nil, zap.NewNop())
	if _, err := p.Status("nope"); err == nil {
		t.Fatal("expected error for unknown worker id")
	}
}

package ipc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"flowtrace/internal/model"
)

func TestQueryRoundTripsAgainstServer(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "flowtrace.sock")

	handler := func(env model.Envelope) (*model.Envelope, error) {
		resp, err := NewEnvelope(model.MessageTypeState, map[string]string{"action": model.StateActionLoadBatch}, 2000)
		if err != nil {
			return nil, err
		}
		return &resp, nil
	}
	srv := NewServer(socketPath, handler, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	waitUntil(t, func() bool { return srv.SocketHealthy() })

	req, err := NewEnvelope(model.MessageTypeState, map[string]string{"action": model.StateActionLoadBatch}, 1000)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	resp, err := Query(socketPath, req, time.Second)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Type != model.MessageTypeState {
		t.Fatalf("expected state response, got %s", resp.Type)
	}
}

func TestQueryFailsWhenNoServerListening(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "nobody-home.sock")
	req, err := NewEnvelope(model.MessageTypeState, map[string]string{"action": model.StateActionLoad}, 1000)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if _, err := Query(socketPath, req, 100*time.Millisecond); err == nil {
		t.Fatal("expected error dialing a socket with no listener")
	}
}

package ipc

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"flowtrace/internal/model"
)

func TestServerDispatchesDecodedEnvelopes(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "flowtrace.sock")

	var mu sync.Mutex
	var received []model.Envelope
	handler := func(env model.Envelope) (*model.Envelope, error) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, env)
		return nil, nil
	}

	srv := NewServer(socketPath, handler, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	waitUntil(t, func() bool { return srv.SocketHealthy() })

	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	env, err := NewEnvelope(model.MessageTypeCandle, map[string]string{"hello": "world"}, 1000)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	body, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	if err := WriteFrame(conn, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	if received[0].Type != model.MessageTypeCandle {
		t.Fatalf("expected candle envelope, got %s", received[0].Type)
	}
	mu.Unlock()

	cancel()
	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}

func TestServerRespondsToRequestsThatReturnAnEnvelope(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "flowtrace.sock")

	handler := func(env model.Envelope) (*model.Envelope, error) {
		resp, err := NewEnvelope(model.MessageTypeState, map[string]string{"action": model.StateActionLoad}, 2000)
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

	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, err := NewEnvelope(model.MessageTypeState, map[string]string{"action": model.StateActionLoad}, 1000)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	body, err := EncodeEnvelope(req)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	if err := WriteFrame(conn, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	respBody, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	resp, err := DecodeEnvelope(respBody)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if resp.Type != model.MessageTypeState {
		t.Fatalf("expected state response envelope, got %s", resp.Type)
	}
}

func TestServerReportsUnhealthyBeforeRunAndAfterClose(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "flowtrace.sock")
	srv := NewServer(socketPath, func(model.Envelope) (*model.Envelope, error) { return nil, nil }, zap.NewNop())

	if srv.SocketHealthy() {
		t.Fatal("expected unhealthy before Run")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	waitUntil(t, func() bool { return srv.SocketHealthy() })

	cancel()
	waitUntil(t, func() bool { return !srv.SocketHealthy() })
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

package ipc

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"flowtrace/internal/model"
)

// Query performs one request/response round trip against a Server: dial,
// write req as a single frame, read exactly one response frame, close.
// Used for the worker's synchronous state.load* calls on boot (spec.md
// §4.8 step 2); everything else on the fast channel is fire-and-forget
// through HybridPublisher instead.
func Query(socketPath string, req model.Envelope, timeout time.Duration) (model.Envelope, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return model.Envelope{}, fmt.Errorf("ipc: query dial: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return model.Envelope{}, fmt.Errorf("ipc: query set deadline: %w", err)
	}

	body, err := EncodeEnvelope(req)
	if err != nil {
		return model.Envelope{}, err
	}
	if err := WriteFrame(conn, body); err != nil {
		return model.Envelope{}, fmt.Errorf("ipc: query write: %w", err)
	}

	respBody, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return model.Envelope{}, fmt.Errorf("ipc: query read: %w", err)
	}
	return DecodeEnvelope(respBody)
}

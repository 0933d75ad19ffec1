package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"flowtrace/internal/model"
)

// Handler processes one decoded envelope received over the fast channel.
// A non-nil error is logged; the connection is kept open (one bad
// envelope shouldn't drop a healthy socket). A non-nil returned envelope
// is framed back to the caller on the same connection — used for the
// request/response "state.load*" calls (spec.md §4.8 step 2); every
// other message type (candle publishes, state saves, gap saves) is
// fire-and-forget and returns a nil response so the trade path never
// waits on a round trip.
type Handler func(env model.Envelope) (*model.Envelope, error)

// Server is the persistence process's listener for the fast channel side
// of C10/C12 (spec.md §6): it accepts connections from HybridPublisher
// instances in the ingest process, reads length-prefixed envelopes, and
// hands each to Handler. No pack example frames messages over a raw
// stream socket this way (see internal/ipc/frame.go's note), so this is
// built directly from spec.md's wire description using only net/bufio.
type Server struct {
	socketPath string
	handler    Handler
	log        *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	up       atomic.Bool
}

// NewServer constructs a Server. Call Run in its own goroutine.
func NewServer(socketPath string, handler Handler, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		log:        log.Named("ipc-server"),
	}
}

// Run listens on the configured unix socket and accepts connections
// until ctx is cancelled or an unrecoverable listen error occurs. Any
// stale socket file at socketPath is removed first.
func (s *Server) Run(ctx context.Context) error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.up.Store(true)

	go func() {
		<-ctx.Done()
		s.up.Store(false)
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		body, err := ReadFrame(r)
		if err != nil {
			return
		}
		env, err := DecodeEnvelope(body)
		if err != nil {
			s.log.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}
		resp, err := s.handler(env)
		if err != nil {
			s.log.Error("handler rejected envelope", zap.String("type", env.Type), zap.String("id", env.ID), zap.Error(err))
			continue
		}
		if resp == nil {
			continue
		}
		respBody, err := EncodeEnvelope(*resp)
		if err != nil {
			s.log.Error("encode response envelope failed", zap.Error(err))
			continue
		}
		if err := WriteFrame(conn, respBody); err != nil {
			s.log.Error("write response frame failed", zap.Error(err))
			return
		}
	}
}

// SocketHealthy reports whether the listener is currently up, for the
// health endpoint's "socket" component (spec.md §6).
func (s *Server) SocketHealthy() bool {
	return s.up.Load()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.up.Store(false)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

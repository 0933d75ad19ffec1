package publisher

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowtrace/internal/ipc"
	"flowtrace/internal/model"
)

// connState is the hybrid publisher's fast-channel connection state,
// grounded on the sibling pack's circuit breaker (circuitbreaker.go):
// the same closed/open shape, simplified to the two states spec.md §4.5
// actually names.
type connState int

const (
	stateDisconnected connState = iota
	stateConnected
)

// DurableQueue is the fallback sink for publishes the fast channel can't
// currently deliver (spec.md §4.5). Implemented by internal/queue.Queue;
// declared here as a narrow interface so this package doesn't depend on
// the sqlite driver.
type DurableQueue interface {
	Enqueue(msg model.QueueMessage) error
}

// ChannelMetrics is the subset of internal/metrics.Metrics the publisher
// reports through, narrowed to an interface so this package doesn't
// depend on prometheus directly.
type ChannelMetrics interface {
	SetPublishChannelState(channel string, connected bool)
	RecordPublishReconnect(channel string)
}

// HybridPublisher implements C10 (spec.md §4.5): publish(candle) must
// eventually deliver at least once, without blocking the trade path
// longer than one bounded socket write. It tries a fast local-socket
// connection first and falls back to the durable queue on any failure,
// while a background goroutine retries the fast connection with
// exponential backoff.
type HybridPublisher struct {
	socketPath   string
	writeTimeout time.Duration

	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxAttempts    int

	durable DurableQueue
	metrics ChannelMetrics
	log     *zap.Logger

	mu    sync.Mutex
	state connState
	conn  net.Conn

	attempt  int
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Config bundles HybridPublisher's tunables (config.PublisherConfig,
// parsed into durations by the caller).
type Config struct {
	SocketPath     string
	WriteTimeout   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

// NewHybridPublisher constructs a publisher and starts its background
// reconnect loop. Call Close to stop it.
func NewHybridPublisher(cfg Config, durable DurableQueue, metrics ChannelMetrics, log *zap.Logger) *HybridPublisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	p := &HybridPublisher{
		socketPath:     cfg.SocketPath,
		writeTimeout:   cfg.WriteTimeout,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		maxAttempts:    cfg.MaxAttempts,
		durable:        durable,
		metrics:        metrics,
		log:            log.Named("publisher"),
		state:          stateDisconnected,
		stopCh:         make(chan struct{}),
	}
	go p.reconnectLoop()
	return p
}

// Publish delivers env over the fast channel if connected, falling
// through to the durable queue on any failure (spec.md §4.5). Never
// blocks longer than the configured write timeout.
func (p *HybridPublisher) Publish(env model.Envelope) error {
	p.mu.Lock()
	connected := p.state == stateConnected
	conn := p.conn
	p.mu.Unlock()

	if connected && conn != nil {
		if err := p.writeFast(conn, env); err == nil {
			return nil
		} else {
			p.log.Warn("fast channel write failed, falling back to durable queue", zap.Error(err))
			p.markDisconnected()
		}
	}

	return p.enqueueDurable(env)
}

func (p *HybridPublisher) writeFast(conn net.Conn, env model.Envelope) error {
	body, err := ipc.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return fmt.Errorf("publisher: set write deadline: %w", err)
	}
	return ipc.WriteFrame(conn, body)
}

func (p *HybridPublisher) enqueueDurable(env model.Envelope) error {
	body, err := ipc.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	msg := model.QueueMessage{
		ID:         env.ID,
		Type:       env.Type,
		Payload:    body,
		EnqueuedAt: env.Timestamp,
	}
	if err := p.durable.Enqueue(msg); err != nil {
		p.log.Error("durable queue enqueue failed, emission lost for this trade", zap.Error(err))
		return fmt.Errorf("publisher: durable enqueue: %w", err)
	}
	return nil
}

func (p *HybridPublisher) markDisconnected() {
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.state = stateDisconnected
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.SetPublishChannelState("fast", false)
	}
}

// reconnectLoop retries the fast-channel connection with exponential
// backoff: starts at initialBackoff, doubles, caps at maxBackoff, up to
// maxAttempts; after the cap attempts continue at the capped interval
// indefinitely (spec.md §4.5). On success the attempt counter resets.
func (p *HybridPublisher) reconnectLoop() {
	backoff := p.initialBackoff
	for {
		select {
		case <-p.stopCh:
			return
		case <-time.After(backoff):
		}

		conn, err := net.DialTimeout("unix", p.socketPath, p.writeTimeout)
		if err != nil {
			p.attempt++
			if p.metrics != nil {
				p.metrics.RecordPublishReconnect("fast")
			}
			if p.attempt < p.maxAttempts {
				backoff *= 2
				if backoff > p.maxBackoff {
					backoff = p.maxBackoff
				}
			} else {
				backoff = p.maxBackoff
			}
			continue
		}

		p.mu.Lock()
		p.conn = conn
		p.state = stateConnected
		p.attempt = 0
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.SetPublishChannelState("fast", true)
		}
		p.log.Info("fast channel connected", zap.String("socket", p.socketPath))
		backoff = p.initialBackoff

		// Block here until the connection drops, then resume backoff.
		p.waitForDisconnect(conn)
	}
}

// waitForDisconnect blocks by reading from conn (which never receives
// application data on this half-duplex fast channel) until it errors or
// the publisher is closed, signalling the connection is gone.
func (p *HybridPublisher) waitForDisconnect(conn net.Conn) {
	r := bufio.NewReader(conn)
	buf := make([]byte, 1)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := r.Read(buf); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				p.mu.Lock()
				stillSame := p.conn == conn
				p.mu.Unlock()
				if !stillSame {
					return
				}
				continue
			}
			p.markDisconnected()
			return
		}
	}
}

// Healthy reports whether the fast channel is currently connected.
func (p *HybridPublisher) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateConnected
}

// Close stops the reconnect loop and closes any open connection.
func (p *HybridPublisher) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

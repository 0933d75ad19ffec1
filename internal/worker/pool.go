package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// managedStatus mirrors supervisor.go's WorkerStatus, narrowed to the
// states a candle worker actually passes through.
type managedStatus string

const (
	statusStopped  managedStatus = "stopped"
	statusRunning  managedStatus = "running"
	statusFailed   managedStatus = "failed"
	statusRetrying managedStatus = "retrying"
)

// PoolConfig bounds a managed worker's restart behaviour, grounded on
// supervisor.go's WorkerConfig (MaxRetries/InitialBackoff/MaxBackoff/
// BackoffFactor).
type PoolConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

type managed struct {
	id      string
	w       *Worker
	status  managedStatus
	retries int
	lastErr error
	mu      sync.RWMutex
}

// Pool supervises a fixed set of Workers with restart-with-backoff on
// crash, grounded on internal/supervisor/supervisor.go's Supervisor,
// generalized from "websocket connection worker" to "candle worker": the
// restart loop, backoff calculation and panic recovery are the same
// shape, applied here to Worker.Run instead of a WorkerFunc closure
// (spec.md §7 "Worker crash" -> "Main thread restarts the worker; the
// worker reloads snapshots; trades received during the gap are recovered
// via the gap mechanism").
type Pool struct {
	cfg     PoolConfig
	log     *zap.Logger
	metrics MetricsSink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	workers map[string]*managed
	started bool
}

// NewPool constructs an empty Pool. metrics may be nil (monitoring.metrics_enabled
// off), in which case worker restarts simply aren't counted.
func NewPool(cfg PoolConfig, metrics MetricsSink, log *zap.Logger) *Pool {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2.0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		log:     log.Named("worker-pool"),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*managed),
	}
}

// Add registers a Worker under id. Must be called before Start.
func (p *Pool) Add(id string, w *Worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("worker: cannot add worker while pool is running")
	}
	if _, exists := p.workers[id]; exists {
		return fmt.Errorf("worker: worker %s already exists", id)
	}
	p.workers[id] = &managed{id: id, w: w, status: statusStopped}
	return nil
}

// Start launches every registered worker's supervised run loop.
func (p *Pool) Start() {
	p.mu.Lock()
	p.started = true
	workers := make([]*managed, 0, len(p.workers))
	for _, m := range p.workers {
		workers = append(workers, m)
	}
	p.mu.Unlock()

	for _, m := range workers {
		p.wg.Add(1)
		go p.runManaged(m)
	}
}

func (p *Pool) runManaged(m *managed) {
	defer p.wg.Done()
	logger := p.log.With(zap.String("worker_id", m.id))

	for {
		select {
		case <-p.ctx.Done():
			m.setStatus(statusStopped)
			return
		default:
		}

		if p.cfg.MaxRetries > 0 && m.retries >= p.cfg.MaxRetries {
			m.setStatus(statusFailed)
			logger.Error("worker failed after max retries", zap.Int("retries", m.retries), zap.Error(m.lastErr))
			return
		}

		m.setStatus(statusRunning)
		err := p.runOnce(m.w, logger)

		if err == nil {
			m.setStatus(statusStopped)
			return
		}

		m.mu.Lock()
		m.lastErr = err
		m.retries++
		retries := m.retries
		m.mu.Unlock()
		m.setStatus(statusRetrying)
		logger.Error("worker crashed, restarting", zap.Error(err), zap.Int("retries", retries))
		if p.metrics != nil {
			p.metrics.RecordWorkerRestart(m.id)
		}

		backoff := p.backoff(retries)
		select {
		case <-time.After(backoff):
		case <-p.ctx.Done():
			m.setStatus(statusStopped)
			return
		}
	}
}

// runOnce runs w.Run to completion, converting a panic that escapes the
// run loop into an error so runManaged can apply backoff and restart.
func (p *Pool) runOnce(w *Worker, logger *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	w.Run(p.ctx)
	select {
	case <-p.ctx.Done():
		return nil
	default:
		return fmt.Errorf("worker run loop exited unexpectedly")
	}
}

func (p *Pool) backoff(retries int) time.Duration {
	b := p.cfg.InitialBackoff
	for i := 0; i < retries-1; i++ {
		b = time.Duration(float64(b) * p.cfg.BackoffFactor)
		if b > p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
	}
	return b
}

// Stop cancels every worker's context and waits (up to 30s) for them to
// flush and exit, per spec.md §5's shutdown sequence.
func (p *Pool) Stop() {
	p.cancel()
	p.mu.Lock()
	for _, m := range p.workers {
		m.w.Stop()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		p.log.Warn("timeout waiting for workers to stop")
	}
}

// Status returns the current status of worker id.
func (p *Pool) Status(id string) (string, error) {
	p.mu.RLock()
	m, ok := p.workers[id]
	p.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("worker: worker %s not found", id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return string(m.status), nil
}

func (m *managed) setStatus(s managedStatus) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// Package supervisor owns the restart/backoff loop around cmd/ingest's
// exchange feed connections (spec.md §4.2: each exchange feed reconnects
// with exponential backoff on error and keeps running for the life of the
// process). A supervised worker is anything that blocks until its feed
// connection drops or ctx is cancelled; the supervisor restarts it with
// backoff on a plain error and treats context.Canceled as a clean stop.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WorkerFunc is a feed connection loop: it dials the exchange, pumps trades
// and errors until the connection fails or ctx is cancelled, and returns.
type WorkerFunc func(ctx context.Context) error

// WorkerConfig names the feed a worker owns and its backoff schedule.
type WorkerConfig struct {
	Name           string
	Exchange       string
	Symbol         string
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// Worker is a single supervised feed connection.
type Worker struct {
	config     WorkerConfig
	workerFunc WorkerFunc
	cancel     context.CancelFunc
	retries    int
	lastError  error
	status     WorkerStatus
	startTime  time.Time
	stopTime   time.Time
	mu         sync.RWMutex
}

// WorkerStatus is the current lifecycle state of a supervised feed worker.
type WorkerStatus string

const (
	StatusStopped  WorkerStatus = "stopped"
	StatusStarting WorkerStatus = "starting"
	StatusRunning  WorkerStatus = "running"
	StatusStopping WorkerStatus = "stopping"
	StatusFailed   WorkerStatus = "failed"
	StatusRetrying WorkerStatus = "retrying"
)

// Supervisor owns the lifecycle of every exchange feed worker in the
// ingest process: starting them, restarting them with backoff, and
// logging their health every 30s.
type Supervisor struct {
	workers   map[string]*Worker
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	started   bool
	startTime time.Time
}

// NewSupervisor creates a supervisor with no feed workers attached yet.
func NewSupervisor(logger *zap.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		workers: make(map[string]*Worker),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddWorker registers a feed worker. Must be called before Start; the set
// of feeds is fixed for the life of an ingest process.
func (s *Supervisor) AddWorker(config WorkerConfig, workerFunc WorkerFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("cannot add worker while supervisor is running")
	}

	if _, exists := s.workers[config.Name]; exists {
		return fmt.Errorf("worker %s already exists", config.Name)
	}

	worker := &Worker{
		config:     config,
		workerFunc: workerFunc,
		status:     StatusStopped,
	}

	s.workers[config.Name] = worker
	s.logger.Info("feed worker registered",
		zap.String("name", config.Name),
		zap.String("exchange", config.Exchange),
		zap.String("symbol", config.Symbol),
	)

	return nil
}

// Start launches every registered feed worker plus the health-check loop.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("supervisor already started")
	}

	s.started = true
	s.startTime = time.Now()

	s.logger.Info("starting feed supervisor", zap.Int("workers", len(s.workers)))

	for name, worker := range s.workers {
		s.wg.Add(1)
		go s.runWorker(name, worker)
	}

	s.wg.Add(1)
	go s.healthCheckLoop()

	return nil
}

// Stop cancels every feed worker and waits up to 30s for them to exit.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor not started")
	}
	s.mu.Unlock()

	s.logger.Info("stopping feed supervisor")

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all feed workers stopped")
	case <-time.After(30 * time.Second):
		s.logger.Warn("timeout waiting for feed workers to stop")
	}

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	return nil
}

// runWorker drives one feed worker's restart/backoff loop.
func (s *Supervisor) runWorker(name string, worker *Worker) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(s.ctx)
	worker.cancel = cancel
	defer cancel()

	logger := s.logger.With(
		zap.String("worker", name),
		zap.String("exchange", worker.config.Exchange),
		zap.String("symbol", worker.config.Symbol),
	)

	for {
		select {
		case <-s.ctx.Done():
			worker.setStatus(StatusStopped)
			logger.Info("feed worker stopped by supervisor")
			return
		default:
		}

		if worker.config.MaxRetries > 0 && worker.retries >= worker.config.MaxRetries {
			worker.setStatus(StatusFailed)
			logger.Error("feed worker failed after max retries",
				zap.Int("retries", worker.retries),
				zap.Error(worker.lastError),
			)
			return
		}

		worker.setStatus(StatusStarting)
		worker.startTime = time.Now()
		logger.Info("starting feed worker", zap.Int("retry", worker.retries))

		err := s.executeWorker(ctx, worker, logger)
		worker.stopTime = time.Now()

		if err != nil {
			worker.lastError = err
			worker.retries++

			if err == context.Canceled {
				worker.setStatus(StatusStopped)
				logger.Info("feed worker cancelled")
				return
			}

			worker.setStatus(StatusRetrying)
			logger.Error("feed worker failed",
				zap.Error(err),
				zap.Int("retries", worker.retries),
			)

			backoff := s.calculateBackoff(worker.retries, worker.config)
			logger.Info("retrying feed worker after backoff",
				zap.Duration("backoff", backoff),
			)

			select {
			case <-time.After(backoff):
				continue
			case <-s.ctx.Done():
				worker.setStatus(StatusStopped)
				return
			}
		} else {
			// a feed loop returning nil means it gave up its connection
			// voluntarily; that's unexpected for a long-running feed, so
			// treat it the same as a clean stop rather than retrying.
			worker.setStatus(StatusStopped)
			logger.Info("feed worker completed")
			return
		}
	}
}

// executeWorker runs the feed worker func, recovering from panics so one
// bad exchange feed can't take down the rest of ingest.
func (s *Supervisor) executeWorker(ctx context.Context, worker *Worker, logger *zap.Logger) error {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("feed worker panicked", zap.Any("panic", r))
		}
	}()

	worker.setStatus(StatusRunning)
	logger.Info("feed worker running")

	return worker.workerFunc(ctx)
}

// calculateBackoff applies exponential backoff, capped at config.MaxBackoff.
func (s *Supervisor) calculateBackoff(retries int, config WorkerConfig) time.Duration {
	backoff := config.InitialBackoff

	for i := 0; i < retries-1; i++ {
		backoff = time.Duration(float64(backoff) * config.BackoffFactor)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
			break
		}
	}

	return backoff
}

// healthCheckLoop logs feed worker health every 30s until the supervisor stops.
func (s *Supervisor) healthCheckLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.performHealthCheck()
		}
	}
}

// performHealthCheck logs a health summary across all feed workers and
// flags any worker that has been running for an unusually long stretch.
func (s *Supervisor) performHealthCheck() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	unhealthyWorkers := 0

	for name, worker := range s.workers {
		worker.mu.RLock()
		status := worker.status
		startTime := worker.startTime
		lastError := worker.lastError
		retries := worker.retries
		worker.mu.RUnlock()

		if status == StatusRunning {
			runtime := now.Sub(startTime)
			if runtime > 5*time.Minute {
				s.logger.Warn("feed worker running for extended time",
					zap.String("worker", name),
					zap.Duration("runtime", runtime),
				)
			}
		}

		if status == StatusFailed || status == StatusRetrying {
			unhealthyWorkers++
		}

		s.logger.Debug("feed worker health check",
			zap.String("worker", name),
			zap.String("status", string(status)),
			zap.Int("retries", retries),
			zap.Error(lastError),
		)
	}

	s.logger.Info("feed supervisor health check completed",
		zap.Int("total_workers", len(s.workers)),
		zap.Int("unhealthy_workers", unhealthyWorkers),
	)
}

// GetWorkerStatus returns the status of a specific feed worker.
func (s *Supervisor) GetWorkerStatus(name string) (WorkerStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	worker, exists := s.workers[name]
	if !exists {
		return "", fmt.Errorf("worker %s not found", name)
	}

	worker.mu.RLock()
	status := worker.status
	worker.mu.RUnlock()

	return status, nil
}

// GetAllWorkerStatus returns the status of every feed worker.
func (s *Supervisor) GetAllWorkerStatus() map[string]WorkerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := make(map[string]WorkerStatus)
	for name, worker := range s.workers {
		worker.mu.RLock()
		status[name] = worker.status
		worker.mu.RUnlock()
	}

	return status
}

// RestartWorker forces an immediate restart of a feed worker, bypassing
// any backoff it was waiting out, and clears its retry count.
func (s *Supervisor) RestartWorker(name string) error {
	s.mu.RLock()
	worker, exists := s.workers[name]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("worker %s not found", name)
	}

	s.logger.Info("manually restarting feed worker", zap.String("worker", name))

	if worker.cancel != nil {
		worker.cancel()
	}

	worker.mu.Lock()
	worker.retries = 0
	worker.lastError = nil
	worker.mu.Unlock()

	return nil
}

// GetSupervisorStats rolls up per-worker status counts into one
// SupervisorStats snapshot.
func (s *Supervisor) GetSupervisorStats() SupervisorStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := SupervisorStats{
		TotalWorkers: len(s.workers),
		Started:      s.started,
		StartTime:    s.startTime,
		Workers:      make(map[string]WorkerStats),
	}

	for name, worker := range s.workers {
		worker.mu.RLock()
		stats.Workers[name] = WorkerStats{
			Name:      name,
			Exchange:  worker.config.Exchange,
			Symbol:    worker.config.Symbol,
			Status:    worker.status,
			Retries:   worker.retries,
			StartTime: worker.startTime,
			StopTime:  worker.stopTime,
			LastError: worker.lastError,
		}
		worker.mu.RUnlock()

		// Count statuses
		switch worker.status {
		case StatusRunning:
			stats.RunningWorkers++
		case StatusFailed:
			stats.FailedWorkers++
		case StatusRetrying:
			stats.RetryingWorkers++
		case StatusStopped:
			stats.StoppedWorkers++
		}
	}

	return stats
}

// setStatus safely sets the worker's status under its own lock.
func (w *Worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

// SupervisorStats is the aggregate view of every feed worker's status,
// as returned by GetSupervisorStats.
type SupervisorStats struct {
	TotalWorkers    int                    `json:"total_workers"`
	RunningWorkers  int                    `json:"running_workers"`
	FailedWorkers   int                    `json:"failed_workers"`
	RetryingWorkers int                    `json:"retrying_workers"`
	StoppedWorkers  int                    `json:"stopped_workers"`
	Started         bool                   `json:"started"`
	StartTime       time.Time              `json:"start_time"`
	Workers         map[string]WorkerStats `json:"workers"`
}

// WorkerStats is the per-feed-worker status snapshot within SupervisorStats.
type WorkerStats struct {
	Name      string       `json:"name"`
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Status    WorkerStatus `json:"status"`
	Retries   int          `json:"retries"`
	StartTime time.Time    `json:"start_time"`
	StopTime  time.Time    `json:"stop_time"`
	LastError error        `json:"last_error,omitempty"`
} 
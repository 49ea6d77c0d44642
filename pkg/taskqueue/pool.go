package taskqueue

import (
	stdsql "database/sql"
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// WorkerPool manages a pool of task workers, all polling the same `tasks`
// table. Every process running a pool does so independently — claiming is
// safe across processes because it uses SELECT ... FOR UPDATE SKIP LOCKED.
type WorkerPool struct {
	workerID string // prefix for this pool's worker IDs (e.g. pod/adapter ID)
	db       *stdsql.DB
	config   Config
	executor TaskExecutor
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	orphans orphanState
}

// NewWorkerPool creates a new worker pool. workerID identifies this process
// for claimed_at/worker_id bookkeeping and orphan attribution.
func NewWorkerPool(workerID string, db *stdsql.DB, cfg Config, executor TaskExecutor) *WorkerPool {
	return &WorkerPool{
		workerID: workerID,
		db:       db,
		config:   cfg,
		executor: executor,
		workers:  make([]*Worker, 0, cfg.WorkerCount),
		stopCh:   make(chan struct{}),
	}
}

// Start spawns worker goroutines and the orphan-recovery background task.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("task worker pool already started, ignoring duplicate Start call", "worker_id", p.workerID)
		return nil
	}
	p.started = true

	slog.Info("starting task worker pool", "worker_id", p.workerID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		id := fmt.Sprintf("%s-worker-%d", p.workerID, i)
		w := NewWorker(id, p.db, p.config, p.executor)
		p.workers = append(p.workers, w)
		w.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	return nil
}

// Stop signals all workers to stop and waits for them to finish their
// current task (graceful shutdown — no task is abandoned mid-execution).
func (p *WorkerPool) Stop() {
	slog.Info("stopping task worker pool gracefully", "worker_id", p.workerID)

	for _, w := range p.workers {
		w.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("task worker pool stopped", "worker_id", p.workerID)
}

// Health reports the aggregate state of the pool.
func (p *WorkerPool) Health(ctx context.Context) *PoolHealth {
	var queueDepth int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE status = 'PENDING'`).Scan(&queueDepth); err != nil {
		slog.Error("failed to query task queue depth", "error", err)
	}

	stats := make([]WorkerHealth, len(p.workers))
	active := 0
	for i, w := range p.workers {
		h := w.Health()
		stats[i] = h
		if h.Status == "working" {
			active++
		}
	}

	p.orphans.mu.Lock()
	lastScan := p.orphans.lastScan
	recovered := p.orphans.recovered
	p.orphans.mu.Unlock()

	return &PoolHealth{
		PodID:            p.workerID,
		ActiveWorkers:    active,
		TotalWorkers:     len(p.workers),
		QueueDepth:       queueDepth,
		WorkerStats:      stats,
		LastOrphanScan:   lastScan,
		OrphansRecovered: recovered,
	}
}

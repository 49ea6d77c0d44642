// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	stdsql "database/sql"
	"log/slog"
	"time"
)

// Config controls the retention service's schedule and cutoffs.
type Config struct {
	// HistoryRetention bounds how long closed-bar archive rows are kept.
	// Zero disables archive pruning.
	HistoryRetention time.Duration
	// CompletedTaskRetention bounds how long terminal (SUCCEEDED/FAILED)
	// task rows are kept after their completed_at.
	CompletedTaskRetention time.Duration
	// Interval is how often a sweep runs.
	Interval time.Duration
}

// Service periodically enforces retention policies:
//   - Prunes klines_history rows older than HistoryRetention
//   - Prunes terminal tasks rows older than CompletedTaskRetention
//
// All operations are idempotent and safe to run from multiple pods — each
// sweep is a single bounded DELETE, so two pods racing the same sweep just
// do redundant work, never double-delete or corrupt state.
type Service struct {
	config Config
	db     *stdsql.DB

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention Service against db.
func NewService(cfg Config, db *stdsql.DB) *Service {
	return &Service{config: cfg, db: db}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("cleanup service started",
		"history_retention", s.config.HistoryRetention,
		"completed_task_retention", s.config.CompletedTaskRetention,
		"interval", s.config.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneHistory(ctx)
	s.pruneCompletedTasks(ctx)
}

func (s *Service) pruneHistory(ctx context.Context) {
	if s.config.HistoryRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.config.HistoryRetention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM klines_history WHERE close_time < $1`, cutoff)
	if err != nil {
		slog.Error("retention: prune klines_history failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("retention: pruned archive rows", "count", n, "cutoff", cutoff)
	}
}

func (s *Service) pruneCompletedTasks(ctx context.Context) {
	if s.config.CompletedTaskRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.config.CompletedTaskRetention)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN ('SUCCEEDED', 'FAILED') AND completed_at < $1`, cutoff)
	if err != nil {
		slog.Error("retention: prune completed tasks failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("retention: pruned completed tasks", "count", n, "cutoff", cutoff)
	}
}

package taskqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// orphanState tracks orphan-recovery metrics (thread-safe).
type orphanState struct {
	mu        sync.Mutex
	lastScan  time.Time
	recovered int
}

// runOrphanDetection periodically requeues CLAIMED tasks whose worker
// appears to have died without completing them. Every pool runs this
// independently; requeuing is idempotent (a second requeue of an
// already-PENDING task is a no-op match on the WHERE clause).
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("task orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans finds CLAIMED tasks whose claimed_at predates the
// orphan threshold and resets them to PENDING so another worker can retry
// them — this is what makes task delivery at-least-once rather than
// at-most-once: a worker that crashes mid-task leaves it reclaimable rather
// than stuck CLAIMED forever.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	threshold := time.Now().Add(-p.config.ClaimOrphanThreshold)

	res, err := p.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'PENDING', worker_id = NULL, claimed_at = NULL
		WHERE status = 'CLAIMED' AND claimed_at < $1`, threshold)
	if err != nil {
		return err
	}

	n, _ := res.RowsAffected()
	p.orphans.mu.Lock()
	p.orphans.lastScan = time.Now()
	p.orphans.recovered += int(n)
	p.orphans.mu.Unlock()

	if n > 0 {
		slog.Warn("recovered orphaned tasks", "count", n, "threshold", p.config.ClaimOrphanThreshold)
	}
	return nil
}

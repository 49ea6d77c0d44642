package subscription

import (
	"context"
	stdsql "database/sql"
	"fmt"
)

// AcquireResult reports the outcome of Registry.Acquire.
type AcquireResult struct {
	RefCountAfter      int
	TransitionedFromZero bool
}

// ReleaseResult reports the outcome of Registry.Release.
type ReleaseResult struct {
	RefCountAfter      int
	TransitionedToZero bool
}

// Registry is the single source of truth for which upstream streams must be
// live (spec.md §4.2). Membership is held in subscription_members; the
// 0<->1 transition notifications are fired by that table's own trigger
// (pkg/database/migrations/0001_subscription_registry.up.sql), so every
// mutation here only needs to perform the membership change — not emit the
// notification itself — inside one transaction.
type Registry struct {
	db *stdsql.DB
}

// NewRegistry constructs a Registry over the shared connection pool.
func NewRegistry(db *stdsql.DB) *Registry {
	return &Registry{db: db}
}

// Acquire adds (session_id, key) to the registry if not already held, and
// reports the resulting ref-count. A duplicate acquire by the same session
// for the same key is a no-op (spec.md §4.1 "duplicate subscribes ... are
// no-ops").
func (r *Registry) Acquire(ctx context.Context, sessionID string, key Key) (AcquireResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	keyStr := key.String()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO subscription_members (session_id, key) VALUES ($1, $2)
		 ON CONFLICT (session_id, key) DO NOTHING`,
		sessionID, keyStr,
	)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("insert membership: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return AcquireResult{}, fmt.Errorf("insert membership: %w", err)
	}

	var refCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscription_members WHERE key = $1`, keyStr,
	).Scan(&refCount); err != nil {
		return AcquireResult{}, fmt.Errorf("count refs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AcquireResult{}, fmt.Errorf("commit: %w", err)
	}

	return AcquireResult{RefCountAfter: refCount, TransitionedFromZero: inserted > 0 && refCount == 1}, nil
}

// Release removes (session_id, key) from the registry if held, and reports
// the resulting ref-count. Releasing a key the session doesn't hold is a
// no-op success (spec.md §7 NOT_SUBSCRIBED is idempotent).
func (r *Registry) Release(ctx context.Context, sessionID string, key Key) (ReleaseResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	keyStr := key.String()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM subscription_members WHERE session_id = $1 AND key = $2`,
		sessionID, keyStr,
	)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("delete membership: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("delete membership: %w", err)
	}

	var refCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscription_members WHERE key = $1`, keyStr,
	).Scan(&refCount); err != nil {
		return ReleaseResult{}, fmt.Errorf("count refs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ReleaseResult{}, fmt.Errorf("commit: %w", err)
	}

	return ReleaseResult{RefCountAfter: refCount, TransitionedToZero: deleted > 0 && refCount == 0}, nil
}

// ReleaseAll drops every key held by sessionID (session teardown, spec.md
// §4.1) and returns the keys whose ref-count transitioned to zero as a
// result.
func (r *Registry) ReleaseAll(ctx context.Context, sessionID string) ([]Key, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT key FROM subscription_members WHERE session_id = $1`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("select held keys: %w", err)
	}
	var held []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan held key: %w", err)
		}
		held = append(held, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate held keys: %w", err)
	}
	rows.Close()

	if len(held) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM subscription_members WHERE session_id = $1`, sessionID,
	); err != nil {
		return nil, fmt.Errorf("delete all memberships: %w", err)
	}

	var zeroed []Key
	for _, keyStr := range held {
		var refCount int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM subscription_members WHERE key = $1`, keyStr,
		).Scan(&refCount); err != nil {
			return nil, fmt.Errorf("count refs for %q: %w", keyStr, err)
		}
		if refCount == 0 {
			k, parseErr := Parse(keyStr)
			if parseErr != nil {
				continue // stored keys are always canonical; defensive only
			}
			zeroed = append(zeroed, k)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return zeroed, nil
}

// Snapshot returns every key currently held by at least one session
// (ref-count > 0). Used by the Exchange Adapter for full-diff reconciliation
// on restart or on a subscription.clean signal (spec.md §4.5).
func (r *Registry) Snapshot(ctx context.Context) ([]Key, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT key FROM subscription_members`)
	if err != nil {
		return nil, fmt.Errorf("select distinct keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		k, err := Parse(raw)
		if err != nil {
			continue // defensive: stored keys are always written canonical
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// Clean clears every membership row without firing a per-row
// subscription.remove for each one, and instead publishes a single
// subscription.clean control signal. cmd/gateway calls it when its NOTIFY
// listener reconnects, to force a full resync (spec.md §4.2, §4.4) rather
// than replaying one notification per previously-held key.
func (r *Registry) Clean(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Disable the per-row trigger for the duration of the bulk delete so a
	// clean doesn't also fire a subscription.remove storm; subscription.clean
	// is the authoritative signal here.
	if _, err := tx.ExecContext(ctx, `ALTER TABLE subscription_members DISABLE TRIGGER trg_subscription_members_notify`); err != nil {
		return fmt.Errorf("disable notify trigger: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscription_members`); err != nil {
		return fmt.Errorf("delete all memberships: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE subscription_members ENABLE TRIGGER trg_subscription_members_notify`); err != nil {
		return fmt.Errorf("re-enable notify trigger: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify('subscription.clean', '')`); err != nil {
		return fmt.Errorf("notify subscription.clean: %w", err)
	}

	return tx.Commit()
}

// RefCount returns the current ref-count for a single key. The
// `subscriptions` and `metrics` handlers use SessionKeys and Snapshot
// instead; no non-test caller uses RefCount.
func (r *Registry) RefCount(ctx context.Context, key Key) (int, error) {
	var refCount int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscription_members WHERE key = $1`, key.String(),
	).Scan(&refCount)
	if err != nil {
		return 0, fmt.Errorf("count refs: %w", err)
	}
	return refCount, nil
}

// SessionKeys returns every key a given session currently holds, used to
// answer the `subscriptions` control request.
func (r *Registry) SessionKeys(ctx context.Context, sessionID string) ([]Key, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key FROM subscription_members WHERE session_id = $1`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("select session keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		k, err := Parse(raw)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

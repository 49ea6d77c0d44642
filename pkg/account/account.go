// Package account implements the Account User-Stream (spec.md §4.7): it
// keeps an authenticated account's LiveRow current by blending a periodic
// REST snapshot with incremental overlay events from a private user-data
// stream, for both the spot and futures account keys.
package account

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/quantframe/marketbus/pkg/store"
	"github.com/quantframe/marketbus/pkg/subscription"
)

// Snapshot is the full state of one account: balances and (for futures)
// open positions, each keyed by asset/symbol.
type Snapshot struct {
	Balances  map[string]float64 `json:"balances"`
	Positions map[string]float64 `json:"positions,omitempty"`
	EventTime time.Time          `json:"event_time"`
}

// Overlay is an incremental update: only the assets/positions it names have
// changed. Applying it never removes an asset the base snapshot already
// holds.
type Overlay struct {
	Balances  map[string]float64
	Positions map[string]float64
	EventTime time.Time
}

// apply overlays delta onto base, last-writer-wins on EventTime — an
// overlay older than the current snapshot's EventTime is dropped rather
// than applied, since REST snapshots and the user-stream race by design
// (spec.md §4.7).
func apply(base Snapshot, delta Overlay) Snapshot {
	if !delta.EventTime.IsZero() && delta.EventTime.Before(base.EventTime) {
		return base
	}

	merged := Snapshot{
		Balances:  cloneMap(base.Balances),
		Positions: cloneMap(base.Positions),
		EventTime: delta.EventTime,
	}
	for asset, qty := range delta.Balances {
		merged.Balances[asset] = qty
	}
	for symbol, qty := range delta.Positions {
		merged.Positions[symbol] = qty
	}
	return merged
}

func cloneMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SnapshotFetcher fetches a fresh, complete account snapshot via signed
// REST. Implemented by an exchange.RESTExecutor-backed caller.
type SnapshotFetcher func(ctx context.Context) (Snapshot, error)

// Stream maintains one account key's LiveRow: a snapshot loop plus an
// incremental-overlay method, ApplyOverlay. No user-data WS connection in
// this module calls ApplyOverlay, so the LiveRow changes only on snapshots.
type Stream struct {
	key             subscription.Key
	store           *store.Store
	fetch           SnapshotFetcher
	snapshotInterval time.Duration

	mu      sync.Mutex
	current Snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStream builds a Stream for key, fetching its first snapshot
// synchronously so the LiveRow exists before Start returns.
func NewStream(ctx context.Context, key subscription.Key, st *store.Store, fetch SnapshotFetcher, snapshotInterval time.Duration) (*Stream, error) {
	s := &Stream{key: key, store: st, fetch: fetch, snapshotInterval: snapshotInterval}
	if err := s.refreshSnapshot(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the periodic full-snapshot refresh loop.
func (s *Stream) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop halts the snapshot loop.
func (s *Stream) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.refreshSnapshot(ctx); err != nil {
				slog.Error("account: periodic snapshot refresh failed", "key", s.key, "error", err)
			}
		}
	}
}

// refreshSnapshot fetches a full REST snapshot and overwrites the LiveRow
// wholesale, as the authoritative state — ties against a concurrent
// overlay are broken by EventTime, same as ApplyOverlay.
func (s *Stream) refreshSnapshot(ctx context.Context) error {
	snap, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	if snap.EventTime.IsZero() {
		snap.EventTime = time.Now()
	}

	s.mu.Lock()
	if snap.EventTime.Before(s.current.EventTime) {
		s.mu.Unlock()
		return nil
	}
	s.current = snap
	s.mu.Unlock()

	return s.writeLiveRow(ctx, snap)
}

// ApplyOverlay blends an incremental user-stream event onto the held
// snapshot and writes the result back to the LiveRow, firing
// realtime.update via the live-row trigger.
func (s *Stream) ApplyOverlay(ctx context.Context, delta Overlay) error {
	s.mu.Lock()
	merged := apply(s.current, delta)
	s.current = merged
	s.mu.Unlock()

	return s.writeLiveRow(ctx, merged)
}

func (s *Stream) writeLiveRow(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.store.UpsertLiveRow(ctx, store.LiveRow{
		Key:       s.key,
		Payload:   payload,
		EventTime: snap.EventTime,
	})
}

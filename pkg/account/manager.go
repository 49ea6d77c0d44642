package account

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/quantframe/marketbus/pkg/events"
	"github.com/quantframe/marketbus/pkg/store"
	"github.com/quantframe/marketbus/pkg/subscription"
)

// Fetchers bundles the signed REST calls a Manager needs to drive both
// account streams and the futures listen-key lifecycle (spec.md §4.7).
// FuturesSnapshot/CreateListenKey/KeepAliveListenKey may be left nil in a
// spot-only deployment; the manager then simply never starts a FUTURES
// account stream.
type Fetchers struct {
	SpotSnapshot       SnapshotFetcher
	FuturesSnapshot    SnapshotFetcher
	CreateListenKey    ListenKeyCreator
	KeepAliveListenKey ListenKeyKeepAlive
}

// Manager implements events.Router: it reacts to subscription.add/remove on
// ACCOUNT keys by starting or stopping the matching Stream (and, for the
// futures key, its ListenKeyManager), mirroring the role
// exchange.Reconciler plays for market-data keys, scoped to the account
// surface instead.
type Manager struct {
	registry         *subscription.Registry
	store            *store.Store
	fetchers         Fetchers
	snapshotInterval time.Duration

	mu         sync.Mutex
	streams    map[string]*Stream
	listenKeys map[string]*ListenKeyManager
}

// NewManager builds a Manager. snapshotInterval of zero falls back to the
// spec's 5-minute default.
func NewManager(reg *subscription.Registry, st *store.Store, fetchers Fetchers, snapshotInterval time.Duration) *Manager {
	if snapshotInterval <= 0 {
		snapshotInterval = 5 * time.Minute
	}
	return &Manager{
		registry:         reg,
		store:            st,
		fetchers:         fetchers,
		snapshotInterval: snapshotInterval,
		streams:          make(map[string]*Stream),
		listenKeys:       make(map[string]*ListenKeyManager),
	}
}

// Route decodes a subscription-change NOTIFY payload and starts/stops the
// account stream it names, ignoring every key whose StreamType isn't
// ACCOUNT — the caller fans every NOTIFY to both this Manager and the
// market-data Reconcilers, and each one only acts on its own keys.
func (m *Manager) Route(channel string, payload []byte) {
	switch channel {
	case events.ChannelSubscriptionAdd:
		m.routeChange(payload, true)
	case events.ChannelSubscriptionRem:
		m.routeChange(payload, false)
	case events.ChannelSubscriptionClean:
		m.resyncAll()
	}
}

func (m *Manager) routeChange(payload []byte, add bool) {
	var p events.SubscriptionChangePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Error("account: malformed subscription change payload", "error", err)
		return
	}
	key, err := subscription.Parse(p.Key)
	if err != nil || key.StreamType != subscription.StreamAccount {
		return
	}

	if add {
		m.start(context.Background(), key)
	} else {
		m.stop(key.String())
	}
}

// isFutures reports whether key addresses the futures account stream
// (BINANCE:FUTURES@ACCOUNT) rather than spot (BINANCE:SPOT@ACCOUNT) — the
// only two ACCOUNT keys the registry ever holds.
func isFutures(key subscription.Key) bool {
	return key.Symbol == "FUTURES"
}

func (m *Manager) start(ctx context.Context, key subscription.Key) {
	keyStr := key.String()

	m.mu.Lock()
	if _, exists := m.streams[keyStr]; exists {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	fetch := m.fetchers.SpotSnapshot
	if isFutures(key) {
		fetch = m.fetchers.FuturesSnapshot
	}
	if fetch == nil {
		slog.Warn("account: no snapshot fetcher configured, skipping", "key", keyStr)
		return
	}

	stream, err := NewStream(ctx, key, m.store, fetch, m.snapshotInterval)
	if err != nil {
		slog.Error("account: initial snapshot fetch failed", "key", keyStr, "error", err)
		return
	}
	stream.Start(ctx)

	m.mu.Lock()
	m.streams[keyStr] = stream
	m.mu.Unlock()

	if isFutures(key) && m.fetchers.CreateListenKey != nil {
		lkm := NewListenKeyManager(m.fetchers.CreateListenKey, m.fetchers.KeepAliveListenKey, nil)
		if err := lkm.Start(ctx); err != nil {
			slog.Error("account: futures listen key manager failed to start", "error", err)
			return
		}
		m.mu.Lock()
		m.listenKeys[keyStr] = lkm
		m.mu.Unlock()
	}

	slog.Info("account: stream started", "key", keyStr)
}

func (m *Manager) stop(keyStr string) {
	m.mu.Lock()
	stream := m.streams[keyStr]
	delete(m.streams, keyStr)
	lkm := m.listenKeys[keyStr]
	delete(m.listenKeys, keyStr)
	m.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	if lkm != nil {
		lkm.Stop()
	}
	if stream != nil || lkm != nil {
		slog.Info("account: stream stopped", "key", keyStr)
	}
}

// resyncAll re-derives the desired ACCOUNT key set from the registry's
// durable snapshot, same trigger and same purpose as
// exchange.Reconciler.resyncAll: subscription.clean means the registry may
// have forgotten keys a crashed process never released.
func (m *Manager) resyncAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	keys, err := m.registry.Snapshot(ctx)
	if err != nil {
		slog.Error("account: failed to snapshot registry for resync", "error", err)
		return
	}

	want := make(map[string]subscription.Key, len(keys))
	for _, k := range keys {
		if k.StreamType == subscription.StreamAccount {
			want[k.String()] = k
		}
	}

	m.mu.Lock()
	var stale []string
	for keyStr := range m.streams {
		if _, ok := want[keyStr]; !ok {
			stale = append(stale, keyStr)
		}
	}
	m.mu.Unlock()
	for _, keyStr := range stale {
		m.stop(keyStr)
	}

	for keyStr, k := range want {
		m.mu.Lock()
		_, exists := m.streams[keyStr]
		m.mu.Unlock()
		if !exists {
			m.start(ctx, k)
		}
	}
}

package account

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Listen-key lifecycle constants (spec.md §4.7): a futures user-data
// stream's listen key is valid for 60 minutes from creation or last
// keepalive, renewed here at 55 minutes, with a 24-hour absolute cap after
// which a fresh key must be created instead of renewed.
const (
	ListenKeyTTL        = 60 * time.Minute
	ListenKeyRenewAt     = 55 * time.Minute
	ListenKeyAbsoluteCap = 24 * time.Hour
)

// ListenKeyCreator obtains a new listen key via signed REST.
type ListenKeyCreator func(ctx context.Context) (string, error)

// ListenKeyKeepAlive extends an existing listen key's TTL via signed REST.
type ListenKeyKeepAlive func(ctx context.Context, listenKey string) error

// ListenKeyManager keeps one futures user-data-stream listen key alive,
// renewing on a timer and rotating to a brand new key once the absolute
// cap is reached rather than attempting to renew past it.
type ListenKeyManager struct {
	create ListenKeyCreator
	renew  ListenKeyKeepAlive

	mu        chan struct{} // 1-buffered mutex so Current() never blocks a renewal in flight
	listenKey string
	createdAt time.Time

	onRotate func(newListenKey string)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewListenKeyManager builds a manager. onRotate, if non-nil, is invoked
// whenever the held listen key changes (first creation or an
// absolute-cap rotation) — the caller uses it to rebind the user-data WS
// connection to the new key's dedicated URL.
func NewListenKeyManager(create ListenKeyCreator, renew ListenKeyKeepAlive, onRotate func(string)) *ListenKeyManager {
	m := &ListenKeyManager{create: create, renew: renew, onRotate: onRotate, mu: make(chan struct{}, 1)}
	m.mu <- struct{}{}
	return m
}

// Start creates the initial listen key and launches the renew/rotate loop.
func (m *ListenKeyManager) Start(ctx context.Context) error {
	if err := m.rotate(ctx); err != nil {
		return fmt.Errorf("account: create initial listen key: %w", err)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
	return nil
}

// Stop halts the renew loop.
func (m *ListenKeyManager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// Current returns the listen key currently believed valid.
func (m *ListenKeyManager) Current() string {
	<-m.mu
	key := m.listenKey
	m.mu <- struct{}{}
	return key
}

func (m *ListenKeyManager) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(ListenKeyRenewAt)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.renewOrRotate(ctx)
		}
	}
}

func (m *ListenKeyManager) renewOrRotate(ctx context.Context) {
	<-m.mu
	age := time.Since(m.createdAt)
	key := m.listenKey
	m.mu <- struct{}{}

	if age+ListenKeyRenewAt >= ListenKeyAbsoluteCap {
		slog.Info("account: listen key nearing absolute cap, rotating instead of renewing", "age", age)
		if err := m.rotate(ctx); err != nil {
			slog.Error("account: listen key rotation failed", "error", err)
		}
		return
	}

	if err := m.renew(ctx, key); err != nil {
		slog.Error("account: listen key renewal failed, rotating", "error", err)
		if err := m.rotate(ctx); err != nil {
			slog.Error("account: listen key rotation after failed renewal also failed", "error", err)
		}
	}
}

func (m *ListenKeyManager) rotate(ctx context.Context) error {
	key, err := m.create(ctx)
	if err != nil {
		return err
	}
	<-m.mu
	m.listenKey = key
	m.createdAt = time.Now()
	m.mu <- struct{}{}

	if m.onRotate != nil {
		m.onRotate(key)
	}
	return nil
}

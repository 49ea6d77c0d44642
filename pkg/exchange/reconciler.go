package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/quantframe/marketbus/pkg/events"
	"github.com/quantframe/marketbus/pkg/subscription"
)

// defaultCoalesceWindow batches bursts of subscription.add/remove notifications
// into a single upstream subscribe/unsubscribe frame, so a client
// subscribing to twenty keys in the same second doesn't generate twenty
// separate upstream control messages (spec.md §4.5 reconcile_window_ms).
const defaultCoalesceWindow = 250 * time.Millisecond

// Reconciler implements events.Router for the Exchange Adapter: it
// consumes subscription.add / subscription.remove / subscription.clean and
// keeps the upstream Connection's subscribed set converged with the
// Registry's desired set, coalescing bursts within one window per tick.
type Reconciler struct {
	conn     *Connection
	registry *subscription.Registry
	window   time.Duration

	mu      sync.Mutex
	pending map[string]bool // key -> true (add) / false (remove), last-write-wins per window
	timer   *time.Timer

	subscribed map[string]bool // keys currently believed subscribed upstream
}

// NewReconciler builds a Reconciler. window overrides the default
// coalescing window if non-zero.
func NewReconciler(conn *Connection, reg *subscription.Registry, window time.Duration) *Reconciler {
	if window == 0 {
		window = defaultCoalesceWindow
	}
	r := &Reconciler{
		conn:       conn,
		registry:   reg,
		window:     window,
		pending:    make(map[string]bool),
		subscribed: make(map[string]bool),
	}
	conn.OnReconnect(r.resyncAll)
	return r
}

// Route decodes a subscription-change NOTIFY payload and schedules the
// corresponding upstream change.
func (r *Reconciler) Route(channel string, payload []byte) {
	switch channel {
	case events.ChannelSubscriptionAdd:
		r.routeChange(payload, true)
	case events.ChannelSubscriptionRem:
		r.routeChange(payload, false)
	case events.ChannelSubscriptionClean:
		r.resyncAll()
	case events.ChannelTaskNew:
		// Task execution is driven by pkg/taskqueue's own poll loop, not by
		// NOTIFY; no worker listens on task.new, so it does not wake a poller.
	}
}

func (r *Reconciler) routeChange(payload []byte, add bool) {
	var p events.SubscriptionChangePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Error("reconciler: malformed subscription change payload", "error", err)
		return
	}
	if k, err := subscription.Parse(p.Key); err == nil && k.StreamType == subscription.StreamAccount {
		return // ACCOUNT keys belong to the account Manager, not the market-data connection
	}

	r.mu.Lock()
	r.pending[p.Key] = add
	if r.timer == nil {
		r.timer = time.AfterFunc(r.window, r.flush)
	}
	r.mu.Unlock()
}

// flush sends one upstream subscribe/unsubscribe batch for everything
// accumulated since the window opened.
func (r *Reconciler) flush() {
	r.mu.Lock()
	batch := r.pending
	r.pending = make(map[string]bool)
	r.timer = nil
	r.mu.Unlock()

	var toSubscribe, toUnsubscribe []string
	for key, add := range batch {
		if add {
			toSubscribe = append(toSubscribe, key)
		} else {
			toUnsubscribe = append(toUnsubscribe, key)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(toSubscribe) > 0 {
		if err := r.conn.Send(ctx, upstreamSubscribeFrame(toSubscribe)); err != nil {
			slog.Error("reconciler: upstream subscribe failed", "keys", toSubscribe, "error", err)
		} else {
			r.mu.Lock()
			for _, k := range toSubscribe {
				r.subscribed[k] = true
			}
			r.mu.Unlock()
		}
	}
	if len(toUnsubscribe) > 0 {
		if err := r.conn.Send(ctx, upstreamUnsubscribeFrame(toUnsubscribe)); err != nil {
			slog.Error("reconciler: upstream unsubscribe failed", "keys", toUnsubscribe, "error", err)
		} else {
			r.mu.Lock()
			for _, k := range toUnsubscribe {
				delete(r.subscribed, k)
			}
			r.mu.Unlock()
		}
	}
}

// resyncAll re-derives the desired subscription set from the Registry's
// durable snapshot and resubscribes everything upstream. Called after the
// upstream connection is rebuilt (it remembers no state across a
// reconnect) and on subscription.clean (the registry's own bulk-clear
// control signal).
func (r *Reconciler) resyncAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	keys, err := r.registry.Snapshot(ctx)
	if err != nil {
		slog.Error("reconciler: failed to snapshot registry for resync", "error", err)
		return
	}

	r.mu.Lock()
	r.subscribed = make(map[string]bool, len(keys))
	r.pending = make(map[string]bool)
	strs := make([]string, 0, len(keys))
	for _, k := range keys {
		if k.StreamType == subscription.StreamAccount {
			continue
		}
		strs = append(strs, k.String())
		r.subscribed[k.String()] = true
	}
	r.mu.Unlock()

	if len(strs) == 0 {
		return
	}
	if err := r.conn.Send(ctx, upstreamSubscribeFrame(strs)); err != nil {
		slog.Error("reconciler: resync subscribe failed", "error", err)
	}
}

// upstreamSubscribeFrame and upstreamUnsubscribeFrame build the control
// messages the upstream venue's WebSocket stream control channel expects —
// shaped after Binance's combined-stream {method, params, id} control
// protocol, which is the convention every venue this adapter speaks
// (spot/futures) follows.
func upstreamSubscribeFrame(keys []string) map[string]interface{} {
	return map[string]interface{}{"method": "SUBSCRIBE", "params": keys, "id": time.Now().UnixNano()}
}

func upstreamUnsubscribeFrame(keys []string) map[string]interface{} {
	return map[string]interface{}{"method": "UNSUBSCRIBE", "params": keys, "id": time.Now().UnixNano()}
}

package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/quantframe/marketbus/pkg/subscription"
)

// TaskEnqueuer is the subset of pkg/taskqueue.Queue that Handlers depends on.
// Kept as a narrow interface here (rather than importing pkg/taskqueue
// directly) so pkg/gateway and pkg/taskqueue don't form an import cycle —
// cmd/gateway wires the concrete *taskqueue.Queue in.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload json.RawMessage, originSessionID, originRequestID string) (taskID string, err error)
}

// Settings is the subset of the gateway's configuration that control/local
// reads (spec.md §4.1) are allowed to echo back to a client — never the
// full Config (api_key, private_key_material, db_connection, ...).
type Settings struct {
	SessionOutboundCapacity int `json:"sessionOutboundCapacity"`
	SlowConsumerGraceMS     int `json:"slowConsumerGraceMs"`
	PingIntervalS           int `json:"pingIntervalS"`
	PingTimeoutS            int `json:"pingTimeoutS"`
}

// Handlers implements the request side of the three-phase wire protocol:
// SessionManager.HandleConnection has already sent the ack by the time
// dispatch runs. For subscribe/unsubscribe and the control reads, dispatch
// does the work and sends exactly one success/error terminal message; for
// one-shot gets and submitTask it only enqueues (sending an error if that
// fails) and Dispatcher sends the terminal message; ping is answered with
// pong.
type Handlers struct {
	manager  *SessionManager // back-reference set by NewSessionManager
	registry *subscription.Registry
	tasks    TaskEnqueuer
	settings Settings
}

// NewHandlers constructs the request handlers. manager is wired in by
// NewSessionManager after construction (see the back-reference assignment
// there) since the two types are mutually dependent.
func NewHandlers(reg *subscription.Registry, tasks TaskEnqueuer, settings Settings) *Handlers {
	return &Handlers{registry: reg, tasks: tasks, settings: settings}
}

func (h *Handlers) dispatch(ctx context.Context, s *Session, req ClientRequest) {
	switch req.Action {
	case ActionSubscribe:
		h.handleSubscribe(ctx, s, req)
	case ActionUnsubscribe:
		h.handleUnsubscribe(ctx, s, req)
	case ActionSubmitTask:
		h.handleSubmitTask(ctx, s, req)
	case ActionPing:
		s.Send(ServerMessage{Type: TypePong, RequestID: req.RequestID})

	// Control / local reads (spec.md §4.1): answered from in-memory/registry
	// state, no task row, no upstream call — but still three-phase, which is
	// why each of these still ends in exactly one success/error Send below
	// rather than returning a value directly.
	case ActionConfig:
		h.handleConfig(s, req)
	case ActionServerTime:
		h.handleServerTime(s, req)
	case ActionSubscriptions:
		h.handleSubscriptions(ctx, s, req)
	case ActionMetrics:
		h.handleMetrics(ctx, s, req)

	// One-shot get (spec.md §4.1): ack already sent; enqueue a Task row and
	// let Dispatcher.routeTaskCompleted deliver the eventual success/error,
	// so each of these must NOT send a terminal response on the happy path.
	case ActionSearchSymbols, ActionResolveSymbol, ActionKlines, ActionQuotes,
		ActionGetSpotAccount, ActionGetFuturesAccount, ActionExchangeInfo:
		h.handleOneShotGet(ctx, s, req)

	default:
		s.Send(errorMsg(req.RequestID, "UNKNOWN_ACTION", "unrecognized action: "+req.Action))
	}
}

func (h *Handlers) handleSubscribe(ctx context.Context, s *Session, req ClientRequest) {
	// SIGNAL:{alert_id} is a local-only fan-out route (see dispatcher.go) for
	// alert_config/signal events, not an upstream exchange stream — there is
	// no subscription.Key to Parse and no registry row to Acquire.
	if strings.HasPrefix(req.Key, SignalKeyPrefix) {
		h.manager.addLocalRoute(s, req.Key)
		s.Send(success(req.RequestID, map[string]string{"key": req.Key}))
		return
	}

	key, err := subscription.Parse(req.Key)
	if err != nil {
		s.Send(errorMsg(req.RequestID, "BAD_KEY", err.Error()))
		return
	}

	if _, err := h.registry.Acquire(ctx, s.ID, key); err != nil {
		s.Send(errorMsg(req.RequestID, "SUBSCRIBE_FAILED", err.Error()))
		return
	}

	h.manager.addLocalRoute(s, key.String())
	s.Send(success(req.RequestID, map[string]string{"key": key.String()}))
}

func (h *Handlers) handleUnsubscribe(ctx context.Context, s *Session, req ClientRequest) {
	if strings.HasPrefix(req.Key, SignalKeyPrefix) {
		h.manager.removeLocalRoute(s, req.Key)
		s.Send(success(req.RequestID, map[string]string{"key": req.Key}))
		return
	}

	key, err := subscription.Parse(req.Key)
	if err != nil {
		s.Send(errorMsg(req.RequestID, "BAD_KEY", err.Error()))
		return
	}

	if _, err := h.registry.Release(ctx, s.ID, key); err != nil {
		s.Send(errorMsg(req.RequestID, "UNSUBSCRIBE_FAILED", err.Error()))
		return
	}

	h.manager.removeLocalRoute(s, key.String())
	s.Send(success(req.RequestID, map[string]string{"key": key.String()}))
}

// handleConfig answers the `config` control read with the subset of server
// configuration a client is allowed to see.
func (h *Handlers) handleConfig(s *Session, req ClientRequest) {
	s.Send(success(req.RequestID, h.settings))
}

// handleServerTime answers the `server_time` control read.
func (h *Handlers) handleServerTime(s *Session, req ClientRequest) {
	s.Send(success(req.RequestID, map[string]int64{"serverTime": time.Now().UTC().UnixMilli()}))
}

// handleSubscriptions answers the `subscriptions` control read with the set
// of keys this session currently holds, per the registry (the source of
// truth for ref-counted membership, not just this process's local index).
func (h *Handlers) handleSubscriptions(ctx context.Context, s *Session, req ClientRequest) {
	keys, err := h.registry.SessionKeys(ctx, s.ID)
	if err != nil {
		s.Send(errorMsg(req.RequestID, "SUBSCRIPTIONS_FAILED", err.Error()))
		return
	}
	strs := make([]string, len(keys))
	for i, k := range keys {
		strs[i] = k.String()
	}
	s.Send(success(req.RequestID, map[string][]string{"keys": strs}))
}

// handleMetrics answers the `metrics` control read with coarse gateway
// health counters — active local sessions and the registry's total live
// key count.
func (h *Handlers) handleMetrics(ctx context.Context, s *Session, req ClientRequest) {
	liveKeys, err := h.registry.Snapshot(ctx)
	if err != nil {
		s.Send(errorMsg(req.RequestID, "METRICS_FAILED", err.Error()))
		return
	}
	s.Send(success(req.RequestID, map[string]int{
		"activeSessions": h.manager.ActiveSessions(),
		"liveKeys":       len(liveKeys),
	}))
}

// handleOneShotGet implements spec.md §4.1's one-shot get handlers
// (search_symbols, resolve_symbol, klines, quotes, get_spot_account,
// get_futures_account, exchange_info): insert a Task row carrying this
// session/request as its origin and return — no success/error here. The
// originating session is correlated back to its result later by
// Dispatcher.routeTaskCompleted once task.completed fires. req.Action is
// used directly as the task type; it is one of the named constants above,
// matching pkg/exchange's TaskXxx constants exactly.
func (h *Handlers) handleOneShotGet(ctx context.Context, s *Session, req ClientRequest) {
	if h.tasks == nil {
		s.Send(errorMsg(req.RequestID, "NOT_SUPPORTED", "task submission is not enabled"))
		return
	}

	if _, err := h.tasks.Enqueue(ctx, req.Action, req.Params, s.ID, req.RequestID); err != nil {
		s.Send(errorMsg(req.RequestID, "ENQUEUE_FAILED", err.Error()))
		return
	}
	// No success here: enqueueing only means the request was accepted for
	// processing, not that it completed. The terminal success/error is sent
	// exactly once, by Dispatcher, when task.completed arrives.
}

// handleSubmitTask enqueues a task of the client-supplied type, unchecked
// against the named one-shot-get vocabulary; pkg/exchange's RESTExecutor
// fails any type it has no handler for with UNKNOWN_TASK_TYPE. Like handleOneShotGet,
// it must not send a terminal response on the happy path — the eventual
// task.completed notification is what Dispatcher correlates back to this
// session/request (spec.md §4.1, Testable Property #3: at most one
// success/error per request).
func (h *Handlers) handleSubmitTask(ctx context.Context, s *Session, req ClientRequest) {
	if h.tasks == nil {
		s.Send(errorMsg(req.RequestID, "NOT_SUPPORTED", "task submission is not enabled"))
		return
	}

	var body struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(req.Params, &body); err != nil {
		s.Send(errorMsg(req.RequestID, "BAD_REQUEST", "invalid task params"))
		return
	}

	if _, err := h.tasks.Enqueue(ctx, body.Type, body.Payload, s.ID, req.RequestID); err != nil {
		s.Send(errorMsg(req.RequestID, "ENQUEUE_FAILED", err.Error()))
		return
	}
}

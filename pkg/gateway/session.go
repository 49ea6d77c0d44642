package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/quantframe/marketbus/pkg/events"
	"github.com/quantframe/marketbus/pkg/subscription"
)

// pingInterval/pingTimeout/writeTimeout are overridden by Config at
// SessionManager construction; these are the teacher-style sane defaults if
// zero.
const (
	defaultPingInterval = 20 * time.Second
	defaultPingTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second

	// backpressureCheckInterval is how often the watchdog re-checks a
	// session's queue-full duration against its slow-consumer grace window.
	backpressureCheckInterval = 250 * time.Millisecond
)

// Session is a single duplex WebSocket client connection.
//
// subscriptions is guarded by subsMu: HandleConnection's read loop spawns a
// fresh goroutine per inbound request (so one slow subscribe doesn't stall
// the next request's ack), which means two concurrent subscribe/unsubscribe
// requests for the same session can reach addLocalRoute/removeLocalRoute at
// the same time. A plain map there would be a concurrent-write crash
// waiting to happen.
type Session struct {
	ID   string
	conn *websocket.Conn

	subsMu        sync.Mutex
	subscriptions map[string]bool

	outbound *outboundQueue // single-writer queue; see writerLoop

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// subscribedKeys returns a snapshot of the keys this session currently
// holds, for unregister's cleanup of the local byKey index.
func (s *Session) subscribedKeys() []string {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	keys := make([]string, 0, len(s.subscriptions))
	for k := range s.subscriptions {
		keys = append(keys, k)
	}
	return keys
}

// Send enqueues a message for delivery without blocking the caller. Per
// spec.md §4.1, a full queue never blocks the sender (which may be the
// dispatcher's single fan-out goroutine, stalling every other session) and
// never silently grows unbounded: outboundQueue.push evicts the oldest
// droppable (non-closed-bar, non-response) frame to make room, and tracks
// how long the queue has stayed saturated so the backpressure watchdog can
// close the session with SLOW_CONSUMER once that exceeds the grace window.
func (s *Session) Send(msg ServerMessage) {
	s.outbound.push(msg)
}

func (s *Session) closeWithReason(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(code, reason)
	})
}

// writerLoop is the sole goroutine permitted to call conn.Write, serializing
// ack/success/error responses and unsolicited event fan-out onto one
// connection.
func (s *Session) writerLoop(writeTimeout time.Duration) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.outbound.notify:
		}

		for {
			msg, ok := s.outbound.pop()
			if !ok {
				break
			}
			data, err := json.Marshal(msg)
			if err != nil {
				slog.Warn("failed to marshal outbound message", "session_id", s.ID, "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err = s.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Warn("failed to write to session", "session_id", s.ID, "error", err)
				return
			}
		}
	}
}

// backpressureWatchdog polls s.outbound for a sustained full queue and
// closes the session with SLOW_CONSUMER once it has stayed full beyond
// grace (spec.md §4.1/S5). A zero grace disables the check entirely —
// useful for tests that want an unconditionally droppable queue.
func (m *SessionManager) backpressureWatchdog(s *Session, grace time.Duration) {
	if grace <= 0 {
		return
	}
	ticker := time.NewTicker(backpressureCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.outbound.fullDuration() >= grace {
				slog.Warn("session outbound queue saturated beyond grace window, disconnecting", "session_id", s.ID)
				s.closeWithReason(websocket.StatusPolicyViolation, "SLOW_CONSUMER")
				return
			}
		}
	}
}

// outboundQueue is Session's bounded, single-writer-drained outbound
// mailbox. Unlike a plain buffered channel, it can evict an arbitrary
// element when full, which is what lets it implement the spec's overflow
// policy: drop the oldest droppable frame to admit a new one, and never
// drop a closed-bar frame or a success/error response even if that means
// briefly exceeding capacity.
type outboundQueue struct {
	mu        sync.Mutex
	items     []ServerMessage
	capacity  int
	fullSince time.Time

	notify chan struct{} // capacity 1; writerLoop wakes on a send here
}

func newOutboundQueue(capacity int) *outboundQueue {
	return &outboundQueue{capacity: capacity, notify: make(chan struct{}, 1)}
}

// isDroppable reports whether msg may be discarded to relieve a full queue.
// ack/success/error/pong responses and closed-bar kline events are never
// droppable; any other event (a live, not-yet-closed kline tick, or a
// realtime.update tick) is.
func isDroppable(msg ServerMessage) bool {
	if msg.Type != TypeEvent {
		return false
	}
	if p, ok := msg.Data.(events.KlineLivePayload); ok {
		return !p.IsClosed
	}
	return true
}

// push enqueues msg, evicting the oldest droppable frame first if the queue
// is already at capacity. Reports whether msg itself was dropped instead.
func (q *outboundQueue) push(msg ServerMessage) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) < q.capacity {
		q.items = append(q.items, msg)
		if len(q.items) >= q.capacity {
			if q.fullSince.IsZero() {
				q.fullSince = time.Now()
			}
		} else {
			q.fullSince = time.Time{}
		}
		q.signalLocked()
		return false
	}

	for i, it := range q.items {
		if isDroppable(it) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.items = append(q.items, msg)
			if q.fullSince.IsZero() {
				q.fullSince = time.Now()
			}
			q.signalLocked()
			return false
		}
	}

	// Nothing in the queue can be evicted. A droppable newcomer is simply
	// dropped; a non-droppable one (closed-bar/success/error) is admitted
	// anyway rather than lost.
	if q.fullSince.IsZero() {
		q.fullSince = time.Now()
	}
	if isDroppable(msg) {
		return true
	}
	q.items = append(q.items, msg)
	q.signalLocked()
	return false
}

func (q *outboundQueue) signalLocked() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest queued message, if any.
func (q *outboundQueue) pop() (ServerMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return ServerMessage{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	if len(q.items) < q.capacity {
		q.fullSince = time.Time{}
	}
	return msg, true
}

// fullDuration reports how long the queue has been continuously at or
// above capacity, or zero if it currently has room.
func (q *outboundQueue) fullDuration() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fullSince.IsZero() {
		return 0
	}
	return time.Since(q.fullSince)
}

// SessionManager manages every live Session and the local, in-process index
// from subscription key to interested sessions. Global (cross-replica)
// ref-counting of which keys must be live upstream is delegated entirely to
// the subscription Registry — this index only decides which local
// WebSocket connections a given NOTIFY-derived event must be pushed to.
type SessionManager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	byKey   map[string]map[string]bool // key string -> set of session IDs
	byKeyMu sync.RWMutex

	registry *subscription.Registry

	outboundCapacity  int
	writeTimeout      time.Duration
	slowConsumerGrace time.Duration
	pingInterval      time.Duration
	pingTimeout       time.Duration

	handlers *Handlers
}

// NewSessionManager creates a SessionManager backed by reg for ref-counted
// subscription bookkeeping.
//
//   - outboundCapacity bounds each session's pending event queue
//     (spec.md §6 session_outbound_capacity).
//   - writeTimeout bounds a single WebSocket write; zero uses
//     defaultWriteTimeout.
//   - slowConsumerGrace is how long a session's outbound queue may stay
//     saturated before it is closed with SLOW_CONSUMER (spec.md §6
//     slow_consumer_grace_ms); zero disables the check.
//   - pingInterval/pingTimeout govern the liveness ping loop; zero uses
//     the package defaults.
func NewSessionManager(reg *subscription.Registry, handlers *Handlers, outboundCapacity int, writeTimeout, slowConsumerGrace, pingInterval, pingTimeout time.Duration) *SessionManager {
	if writeTimeout == 0 {
		writeTimeout = defaultWriteTimeout
	}
	if pingInterval == 0 {
		pingInterval = defaultPingInterval
	}
	if pingTimeout == 0 {
		pingTimeout = defaultPingTimeout
	}
	m := &SessionManager{
		sessions:          make(map[string]*Session),
		byKey:             make(map[string]map[string]bool),
		registry:          reg,
		outboundCapacity:  outboundCapacity,
		writeTimeout:      writeTimeout,
		slowConsumerGrace: slowConsumerGrace,
		pingInterval:      pingInterval,
		pingTimeout:       pingTimeout,
		handlers:          handlers,
	}
	handlers.manager = m
	return m
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the HTTP handler after upgrade. Blocks until the connection
// closes.
func (m *SessionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	sessID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	s := &Session{
		ID:            sessID,
		conn:          conn,
		subscriptions: make(map[string]bool),
		outbound:      newOutboundQueue(m.outboundCapacity),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.register(s)
	defer m.unregister(s)

	go s.writerLoop(m.writeTimeout)
	go m.pingLoop(s)
	go m.backpressureWatchdog(s, m.slowConsumerGrace)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var req ClientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.Send(errorMsg("", "BAD_REQUEST", "malformed request"))
			continue
		}

		// Phase 1: ack immediately, before any work begins.
		s.Send(ack(req.RequestID))
		go m.handlers.dispatch(ctx, s, req)
	}
}

// pingLoop sends periodic pings and disconnects the session if the
// connection doesn't survive a round trip within pingTimeout.
func (m *SessionManager) pingLoop(s *Session) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, m.pingTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.closeWithReason(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (m *SessionManager) register(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
}

// unregister removes the session and releases every key it held in the
// registry — the reconcile path downstream of the resulting
// subscription.remove notifications is what actually
// tears down the upstream feed once the last holder disconnects.
func (m *SessionManager) unregister(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	m.byKeyMu.Lock()
	for _, key := range s.subscribedKeys() {
		if subs, ok := m.byKey[key]; ok {
			delete(subs, s.ID)
			if len(subs) == 0 {
				delete(m.byKey, key)
			}
		}
	}
	m.byKeyMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.registry.ReleaseAll(ctx, s.ID); err != nil {
		slog.Error("failed to release subscriptions on disconnect", "session_id", s.ID, "error", err)
	}

	s.closeWithReason(websocket.StatusNormalClosure, "")
}

// addLocalRoute records that session s wants events published under key
// routed to it. Called by the subscribe handler after a successful
// registry.Acquire.
func (m *SessionManager) addLocalRoute(s *Session, key string) {
	m.byKeyMu.Lock()
	if m.byKey[key] == nil {
		m.byKey[key] = make(map[string]bool)
	}
	m.byKey[key][s.ID] = true
	m.byKeyMu.Unlock()

	s.subsMu.Lock()
	s.subscriptions[key] = true
	s.subsMu.Unlock()
}

func (m *SessionManager) removeLocalRoute(s *Session, key string) {
	m.byKeyMu.Lock()
	if subs, ok := m.byKey[key]; ok {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(m.byKey, key)
		}
	}
	m.byKeyMu.Unlock()

	s.subsMu.Lock()
	delete(s.subscriptions, key)
	s.subsMu.Unlock()
}

// Publish pushes an event to every locally-connected session subscribed to
// key. Called by Dispatcher for kline_live / realtime.update notifications.
func (m *SessionManager) Publish(key, channel string, data interface{}) {
	m.byKeyMu.RLock()
	subs, exists := m.byKey[key]
	if !exists {
		m.byKeyMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	m.byKeyMu.RUnlock()

	m.mu.RLock()
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.sessions[id]; ok {
			sessions = append(sessions, s)
		}
	}
	m.mu.RUnlock()

	msg := event(channel, key, data)
	for _, s := range sessions {
		s.Send(msg)
	}
}

// ActiveSessions returns the count of active WebSocket sessions.
func (m *SessionManager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// sessionByID is used by Dispatcher to look up the session a completed task
// must be correlated back to. Returns nil if the session has since
// disconnected.
func (m *SessionManager) sessionByID(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/quantframe/marketbus/pkg/events"
)

// TaskLookup resolves a completed task back to the session/request that
// submitted it, so Dispatcher can deliver the terminal success/error
// message the three-phase protocol promises. Implemented by
// pkg/taskqueue.Queue.
type TaskLookup interface {
	GetTask(ctx context.Context, taskID string) (originSessionID, originRequestID, status string, result json.RawMessage, errCode, errMessage string, err error)
}

// SignalKeyPrefix namespaces the local fan-out key sessions subscribe to
// for alert-config and signal events (spec.md §4.4: "sessions subscribed
// to SIGNAL:{id}"). Unlike an exchange SubscriptionKey, a signal key never
// touches the Subscription Registry — there is no upstream stream behind
// it, only in-process routing — so handleSubscribe/handleUnsubscribe treat
// this prefix as a local-only route (see handlers.go).
const SignalKeyPrefix = "SIGNAL:"

// SignalKey builds the local fan-out key for alert/signal events on the
// given alert ID.
func SignalKey(alertID string) string {
	return SignalKeyPrefix + alertID
}

// Dispatcher implements events.Router: it is the sole consumer of
// NotifyListener's decoded payloads and fans each one out to the session(s)
// that care about it. Market-data channels go to every locally-subscribed
// session via SessionManager.Publish; task.completed is correlated back to
// exactly the one session/request that submitted it.
type Dispatcher struct {
	manager *SessionManager
	tasks   TaskLookup
}

// NewDispatcher builds the gateway's events.Router.
func NewDispatcher(manager *SessionManager, tasks TaskLookup) *Dispatcher {
	return &Dispatcher{manager: manager, tasks: tasks}
}

// Route decodes one NOTIFY payload and forwards it to interested sessions.
// Unknown channels are logged and dropped — new channels must be added here
// deliberately, not silently broadcast to every session.
func (d *Dispatcher) Route(channel string, payload []byte) {
	switch channel {
	case events.ChannelKlineLive:
		d.routeKlineLive(payload)
	case events.ChannelRealtimeUpdate:
		d.routeRealtimeUpdate(payload)
	case events.ChannelTaskCompleted:
		d.routeTaskCompleted(payload)
	case events.ChannelAlertConfigNew, events.ChannelAlertConfigUpdate, events.ChannelAlertConfigDelete:
		d.routeAlertConfigChange(channel, payload)
	case events.ChannelSignalNew:
		d.routeSignalNew(payload)
	case events.ChannelKlineClosed:
		// Consumed by the external signal engine, not by live market data
		// sessions; nothing for the gateway to fan out here.
	case events.ChannelSubscriptionAdd, events.ChannelSubscriptionRem, events.ChannelSubscriptionClean,
		events.ChannelTaskNew:
		// Consumed by the Exchange Adapter, not the gateway.
	default:
		slog.Warn("dispatcher: unrecognized NOTIFY channel", "channel", channel)
	}
}

func (d *Dispatcher) routeKlineLive(payload []byte) {
	var p events.KlineLivePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Error("dispatcher: malformed kline_live payload", "error", err)
		return
	}
	d.manager.Publish(p.Key, events.ChannelKlineLive, p)
}

func (d *Dispatcher) routeRealtimeUpdate(payload []byte) {
	var p events.RealtimeUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Error("dispatcher: malformed realtime.update payload", "error", err)
		return
	}
	d.manager.Publish(p.Key, events.ChannelRealtimeUpdate, p)
}

// routeAlertConfigChange fans an alert_config.{new,update,delete} event out
// to sessions subscribed to SignalKey(alertID) (spec.md §4.4). The client
// doesn't care whether the config itself changed vs a signal fired on it —
// both arrive on the same local route, tagged by channel so the client can
// tell them apart.
func (d *Dispatcher) routeAlertConfigChange(channel string, payload []byte) {
	var p events.AlertConfigChangePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Error("dispatcher: malformed alert_config payload", "channel", channel, "error", err)
		return
	}
	d.manager.Publish(SignalKey(p.AlertID), channel, p)
}

// routeSignalNew fans a signal.new event out to sessions subscribed to
// SignalKey(alertID).
func (d *Dispatcher) routeSignalNew(payload []byte) {
	var p events.SignalNewPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Error("dispatcher: malformed signal.new payload", "error", err)
		return
	}
	d.manager.Publish(SignalKey(p.AlertID), events.ChannelSignalNew, p)
}

func (d *Dispatcher) routeTaskCompleted(payload []byte) {
	var p events.TaskCompletedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Error("dispatcher: malformed task.completed payload", "error", err)
		return
	}

	ctx := context.Background()
	sessionID, requestID, status, result, errCode, errMessage, err := d.tasks.GetTask(ctx, p.TaskID)
	if err != nil {
		slog.Error("dispatcher: failed to look up completed task", "task_id", p.TaskID, "error", err)
		return
	}

	sess := d.manager.sessionByID(sessionID)
	if sess == nil {
		return // client disconnected before its task finished; nothing to deliver
	}

	if status == "SUCCEEDED" {
		sess.Send(success(requestID, result))
	} else {
		sess.Send(errorMsg(requestID, errCode, errMessage))
	}
}

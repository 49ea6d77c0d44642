package events

import "encoding/json"

// Channel names exactly as fired by the SQL triggers in
// pkg/database/migrations (spec.md §4.4).
const (
	ChannelKlineLive         = "kline_live"
	ChannelKlineClosed       = "kline_closed"
	ChannelRealtimeUpdate    = "realtime.update"
	ChannelSubscriptionAdd   = "subscription.add"
	ChannelSubscriptionRem   = "subscription.remove"
	ChannelSubscriptionClean = "subscription.clean"
	ChannelTaskNew           = "task.new"
	ChannelTaskCompleted     = "task.completed"
	ChannelAlertConfigNew    = "alert_config.new"
	ChannelAlertConfigUpdate = "alert_config.update"
	ChannelAlertConfigDelete = "alert_config.delete"
	ChannelSignalNew         = "signal.new"
)

// KlineLivePayload is the kline_live NOTIFY payload — fired on every
// insert/update of a bar-stream LiveRow.
type KlineLivePayload struct {
	Key      string          `json:"key"`
	Payload  json.RawMessage `json:"payload"`
	IsClosed bool            `json:"is_closed"`
}

// KlineClosedPayload is the kline_closed NOTIFY payload — fired in the same
// transaction as the archive insert, when a bar seals.
type KlineClosedPayload struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeUpdatePayload is the realtime.update NOTIFY payload — fired for
// non-bar LiveRows (quotes, depth, trade, account).
type RealtimeUpdatePayload struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// SubscriptionChangePayload is the subscription.add / subscription.remove
// NOTIFY payload.
type SubscriptionChangePayload struct {
	Key string `json:"key"`
}

// TaskNewPayload is the task.new NOTIFY payload — fired on task insert.
type TaskNewPayload struct {
	TaskID string `json:"task_id"`
	Type   string `json:"type"`
}

// TaskCompletedPayload is the task.completed NOTIFY payload — fired when a
// task reaches a terminal status.
type TaskCompletedPayload struct {
	TaskID string `json:"task_id"`
}

// AlertConfigChangePayload is the alert_config.{new,update,delete} NOTIFY
// payload.
type AlertConfigChangePayload struct {
	AlertID string `json:"alert_id"`
}

// SignalNewPayload is the signal.new NOTIFY payload.
type SignalNewPayload struct {
	AlertID  string `json:"alert_id"`
	SignalID string `json:"signal_id"`
}

// Package gateway implements the Client Gateway (spec.md §4.1): the duplex
// WebSocket front door quantitative trading clients connect to for
// subscription management, real-time fan-out, and signed task submission.
package gateway

import "encoding/json"

// ClientRequest is a single inbound wire message. Field names are camelCase
// on the wire; everything downstream of json.Unmarshal (registry keys, task
// rows) is snake_case.
type ClientRequest struct {
	RequestID string          `json:"requestId"`
	Action    string          `json:"action"`
	Key       string          `json:"key,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Action values recognized in ClientRequest.Action.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionSubmitTask  = "submitTask"
	ActionPing        = "ping"

	// Control / local reads (spec.md §4.1): answered from in-memory/registry
	// state, never a task row or upstream call.
	ActionConfig        = "config"
	ActionServerTime    = "server_time"
	ActionSubscriptions = "subscriptions"
	ActionMetrics       = "metrics"

	// One-shot get (spec.md §4.1): each becomes a Task row of the same
	// type name, executed by the Exchange Adapter — see pkg/exchange's
	// matching TaskXxx constants.
	ActionSearchSymbols     = "search_symbols"
	ActionResolveSymbol     = "resolve_symbol"
	ActionKlines            = "klines"
	ActionQuotes            = "quotes"
	ActionGetSpotAccount    = "get_spot_account"
	ActionGetFuturesAccount = "get_futures_account"
	ActionExchangeInfo      = "exchange_info"
)

// Message types used in ServerMessage.Type.
const (
	TypeAck     = "ack"     // phase 1: request received and well-formed
	TypeSuccess = "success" // phase 3: work completed
	TypeError   = "error"   // phase 3: work failed
	TypeEvent   = "event"   // unsolicited fan-out (kline_live, realtime.update, ...)
	TypePong    = "pong"
)

// ServerMessage is every outbound wire message: the three-phase
// ack/success/error response to a ClientRequest, or an unsolicited event
// pushed to a subscribed session.
type ServerMessage struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Channel   string      `json:"channel,omitempty"`
	Key       string      `json:"key,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Code      string      `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
}

func ack(requestID string) ServerMessage {
	return ServerMessage{Type: TypeAck, RequestID: requestID}
}

func success(requestID string, data interface{}) ServerMessage {
	return ServerMessage{Type: TypeSuccess, RequestID: requestID, Data: data}
}

func errorMsg(requestID, code, message string) ServerMessage {
	return ServerMessage{Type: TypeError, RequestID: requestID, Code: code, Message: message}
}

func event(channel, key string, data interface{}) ServerMessage {
	return ServerMessage{Type: TypeEvent, Channel: channel, Key: key, Data: data}
}

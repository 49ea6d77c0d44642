package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantframe/marketbus/pkg/store"
	"github.com/quantframe/marketbus/pkg/subscription"
)

// upstreamFrame is the shape of one inbound upstream market-data message:
// a canonical subscription key, its new payload, the exchange's event
// timestamp, and (for bar streams only) whether the bar has sealed. The
// upsert itself is a conditional write — row exists → update in place,
// otherwise insert (spec.md §4.5) — which is exactly what
// store.Store.UpsertLiveRow's ON CONFLICT does.
type upstreamFrame struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	EventTime time.Time       `json:"event_time"`
	IsClosed  bool            `json:"is_closed"`
}

// Ingester decodes upstream frames and upserts them into the LiveRow store.
// Wired as a Connection's onMessage callback for one upstream socket.
type Ingester struct {
	st *store.Store
}

// NewIngester builds an Ingester writing into st.
func NewIngester(st *store.Store) *Ingester {
	return &Ingester{st: st}
}

// HandleMessage decodes one upstream frame and upserts its LiveRow. Decode
// or canonicalization failures are logged and dropped — one malformed
// frame must never take down the connection's read loop.
func (ig *Ingester) HandleMessage(data []byte) {
	if err := ig.handle(data); err != nil {
		slog.Error("failed to ingest upstream frame", "error", err)
	}
}

func (ig *Ingester) handle(data []byte) error {
	var frame upstreamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("decode upstream frame: %w", err)
	}

	key, err := subscription.Parse(frame.Key)
	if err != nil {
		return fmt.Errorf("canonicalize upstream key %q: %w", frame.Key, err)
	}

	eventTime := frame.EventTime
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}

	row := store.LiveRow{
		Key:       key,
		Payload:   frame.Payload,
		EventTime: eventTime,
		IsClosed:  key.IsBar() && frame.IsClosed,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ig.st.UpsertLiveRow(ctx, row)
}

// Package store provides the Go-side upsert helpers for the LiveRow /
// ArchiveRow tables the Exchange Adapter writes to (spec.md §3, §4.6). All
// notification fan-out happens in the SQL triggers defined alongside
// realtime_data and klines_history (pkg/database/migrations); this package
// only owns getting a decoded upstream message into those tables correctly.
package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantframe/marketbus/pkg/subscription"
)

// LiveRow is one row of realtime_data: the current value of a subscription
// key, which the live-row trigger both broadcasts and, for closed bars,
// archives and clears.
type LiveRow struct {
	Key       subscription.Key
	Payload   json.RawMessage
	EventTime time.Time
	IsClosed  bool
}

// ArchiveRow is one immutable closed-bar record in klines_history.
type ArchiveRow struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	CloseTime time.Time
	Payload   json.RawMessage
}

// Store writes decoded upstream messages into realtime_data / klines_history.
type Store struct {
	db *stdsql.DB
}

// New wraps db for LiveRow/ArchiveRow persistence.
func New(db *stdsql.DB) *Store {
	return &Store{db: db}
}

// UpsertLiveRow idempotently writes the current value for a key. For
// bar-type keys this is exactly the "one physical upsert" spec.md §4.6
// describes: the row-level trigger on realtime_data handles the
// live/closed split, the archive insert, and the live-row delete within
// the same transaction as this statement, so callers never orchestrate
// that sequence themselves.
func (s *Store) UpsertLiveRow(ctx context.Context, row LiveRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO realtime_data (key, payload, event_time, is_closed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET payload = EXCLUDED.payload, event_time = EXCLUDED.event_time, is_closed = EXCLUDED.is_closed`,
		row.Key.String(), []byte(row.Payload), row.EventTime, row.IsClosed)
	if err != nil {
		return fmt.Errorf("upsert live row %s: %w", row.Key, err)
	}
	return nil
}

// GetLiveRow reads the current value for a key, or sql.ErrNoRows if no
// LiveRow is held for it (e.g. it was just archived and deleted, or was
// never subscribed).
func (s *Store) GetLiveRow(ctx context.Context, key subscription.Key) (*LiveRow, error) {
	var payload []byte
	var eventTime time.Time
	var isClosed bool
	row := s.db.QueryRowContext(ctx, `SELECT payload, event_time, is_closed FROM realtime_data WHERE key = $1`, key.String())
	if err := row.Scan(&payload, &eventTime, &isClosed); err != nil {
		return nil, err
	}
	return &LiveRow{Key: key, Payload: payload, EventTime: eventTime, IsClosed: isClosed}, nil
}

// BackfillArchiveRow inserts directly into klines_history, bypassing the
// live-row trigger entirely (spec.md §4.6: "Historical backfill inserts
// straight into ArchiveRow ... produces no notifications"). No code path in
// the adapter or gateway calls it; only tests use it to seed archive rows.
func (s *Store) BackfillArchiveRow(ctx context.Context, row ArchiveRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO klines_history (symbol, interval, open_time, close_time, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol, interval, open_time) DO UPDATE
		SET close_time = EXCLUDED.close_time, payload = EXCLUDED.payload`,
		row.Symbol, row.Interval, row.OpenTime, row.CloseTime, []byte(row.Payload))
	if err != nil {
		return fmt.Errorf("backfill archive row %s/%s@%s: %w", row.Symbol, row.Interval, row.OpenTime, err)
	}
	return nil
}

// QueryArchiveRange returns closed bars for (symbol, interval) between from
// and to inclusive, ordered oldest-first — the REST-side counterpart to a
// kline subscription's initial snapshot.
func (s *Store) QueryArchiveRange(ctx context.Context, symbol, interval string, from, to time.Time) ([]ArchiveRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time, close_time, payload FROM klines_history
		WHERE symbol = $1 AND interval = $2 AND open_time >= $3 AND open_time <= $4
		ORDER BY open_time ASC`, symbol, interval, from, to)
	if err != nil {
		return nil, fmt.Errorf("query archive range: %w", err)
	}
	defer rows.Close()

	var out []ArchiveRow
	for rows.Next() {
		var r ArchiveRow
		r.Symbol, r.Interval = symbol, interval
		var payload []byte
		if err := rows.Scan(&r.OpenTime, &r.CloseTime, &payload); err != nil {
			return nil, err
		}
		r.Payload = payload
		out = append(out, r)
	}
	return out, rows.Err()
}

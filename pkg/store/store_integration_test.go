package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantframe/marketbus/pkg/store"
	"github.com/quantframe/marketbus/pkg/subscription"
	testdb "github.com/quantframe/marketbus/test/database"
)

func TestStore_UpsertNonBarRowFiresRealtimeUpdate(t *testing.T) {
	shared := testdb.NewSharedTestDB(t)
	client := shared.NewClient(t)
	s := store.New(client.DB())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, shared.ConnString())
	require.NoError(t, err)
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, `LISTEN "realtime.update"`)
	require.NoError(t, err)

	key := subscription.MustParse("BINANCE:BTCUSDT@QUOTES")
	require.NoError(t, s.UpsertLiveRow(ctx, store.LiveRow{
		Key:       key,
		Payload:   json.RawMessage(`{"bid":100,"ask":101}`),
		EventTime: time.Now(),
	}))

	notif, err := conn.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, "realtime.update", notif.Channel)
	assert.Contains(t, notif.Payload, key.String())

	row, err := s.GetLiveRow(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"bid":100,"ask":101}`, string(row.Payload))
}

func TestStore_ClosedBarArchivesAndClearsLiveRow(t *testing.T) {
	shared := testdb.NewSharedTestDB(t)
	client := shared.NewClient(t)
	s := store.New(client.DB())
	ctx := context.Background()

	key := subscription.MustParse("BINANCE:BTCUSDT@KLINE_60")
	openTime := time.Now().Truncate(time.Hour)
	closeTime := openTime.Add(time.Hour)
	payload := fmt.Sprintf(`{"open_time":%q,"close_time":%q,"close":50000}`,
		openTime.Format(time.RFC3339Nano), closeTime.Format(time.RFC3339Nano))

	require.NoError(t, s.UpsertLiveRow(ctx, store.LiveRow{
		Key:       key,
		Payload:   json.RawMessage(payload),
		EventTime: closeTime,
		IsClosed:  true,
	}))

	_, err := s.GetLiveRow(ctx, key)
	assert.Error(t, err, "closed bar's live row should be deleted by the trigger")

	bars, err := s.QueryArchiveRange(ctx, "BTCUSDT", "60", openTime.Add(-time.Minute), openTime.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.JSONEq(t, payload, string(bars[0].Payload))
}

func TestStore_BackfillArchiveRowProducesNoLiveRow(t *testing.T) {
	client := testdb.NewTestClient(t)
	s := store.New(client.DB())
	ctx := context.Background()

	openTime := time.Now().Add(-24 * time.Hour).Truncate(time.Hour)
	closeTime := openTime.Add(time.Hour)

	require.NoError(t, s.BackfillArchiveRow(ctx, store.ArchiveRow{
		Symbol:    "ETHUSDT",
		Interval:  "60",
		OpenTime:  openTime,
		CloseTime: closeTime,
		Payload:   json.RawMessage(`{"close":3000}`),
	}))

	bars, err := s.QueryArchiveRange(ctx, "ETHUSDT", "60", openTime.Add(-time.Minute), openTime.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, bars, 1)

	_, err = s.GetLiveRow(ctx, subscription.MustParse("BINANCE:ETHUSDT@KLINE_60"))
	assert.Error(t, err, "backfill must not create a live row")
}

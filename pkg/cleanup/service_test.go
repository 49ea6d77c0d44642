package cleanup

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantframe/marketbus/pkg/store"
	"github.com/quantframe/marketbus/pkg/taskqueue"
	testdb "github.com/quantframe/marketbus/test/database"
)

func TestService_PrunesOldArchiveRows(t *testing.T) {
	client := testdb.NewTestClient(t)
	s := store.New(client.DB())
	ctx := context.Background()

	oldOpen := time.Now().Add(-30 * 24 * time.Hour).Truncate(time.Hour)
	recentOpen := time.Now().Add(-1 * time.Hour).Truncate(time.Hour)

	require.NoError(t, s.BackfillArchiveRow(ctx, store.ArchiveRow{
		Symbol: "BTCUSDT", Interval: "60",
		OpenTime: oldOpen, CloseTime: oldOpen.Add(time.Hour),
		Payload: json.RawMessage(`{"close":1}`),
	}))
	require.NoError(t, s.BackfillArchiveRow(ctx, store.ArchiveRow{
		Symbol: "BTCUSDT", Interval: "60",
		OpenTime: recentOpen, CloseTime: recentOpen.Add(time.Hour),
		Payload: json.RawMessage(`{"close":2}`),
	}))

	svc := NewService(Config{HistoryRetention: 7 * 24 * time.Hour, Interval: time.Hour}, client.DB())
	svc.runAll(ctx)

	bars, err := s.QueryArchiveRange(ctx, "BTCUSDT", "60", oldOpen.Add(-time.Minute), recentOpen.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, recentOpen.Unix(), bars[0].OpenTime.Unix())
}

func TestService_PrunesOldCompletedTasks(t *testing.T) {
	client := testdb.NewTestClient(t)
	q := taskqueue.NewQueue(client.DB())
	ctx := context.Background()

	taskID, err := q.Enqueue(ctx, "exchange_info", nil, "", "")
	require.NoError(t, err)

	_, err = client.DB().ExecContext(ctx, `
		UPDATE tasks SET status = 'SUCCEEDED', completed_at = $2 WHERE task_id = $1`,
		taskID, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)

	svc := NewService(Config{CompletedTaskRetention: 7 * 24 * time.Hour, Interval: time.Hour}, client.DB())
	svc.runAll(ctx)

	_, _, status, _, _, _, err := q.GetTask(ctx, taskID)
	assert.Error(t, err, "pruned task should no longer exist")
	_ = status
}

func TestService_PreservesRecentCompletedTasks(t *testing.T) {
	client := testdb.NewTestClient(t)
	q := taskqueue.NewQueue(client.DB())
	ctx := context.Background()

	taskID, err := q.Enqueue(ctx, "exchange_info", nil, "", "")
	require.NoError(t, err)
	_, err = client.DB().ExecContext(ctx, `
		UPDATE tasks SET status = 'SUCCEEDED', completed_at = $2 WHERE task_id = $1`,
		taskID, time.Now())
	require.NoError(t, err)

	svc := NewService(Config{CompletedTaskRetention: 7 * 24 * time.Hour, Interval: time.Hour}, client.DB())
	svc.runAll(ctx)

	_, _, status, _, _, _, err := q.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusSucceeded, status)
}

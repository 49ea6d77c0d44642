package taskqueue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantframe/marketbus/pkg/taskqueue"
	testdb "github.com/quantframe/marketbus/test/database"
)

type fakeExecutor struct {
	result *taskqueue.ExecutionResult
}

func (f *fakeExecutor) Execute(ctx context.Context, task *taskqueue.Task) *taskqueue.ExecutionResult {
	return f.result
}

func cfg() taskqueue.Config {
	return taskqueue.Config{
		WorkerCount:             1,
		MaxAttempts:             3,
		PollInterval:            20 * time.Millisecond,
		PollIntervalJitter:      5 * time.Millisecond,
		ClaimOrphanThreshold:    time.Minute,
		OrphanDetectionInterval: time.Minute,
	}
}

func TestQueue_EnqueueThenWorkerCompletesTask(t *testing.T) {
	client := testdb.NewTestClient(t)
	q := taskqueue.NewQueue(client.DB())

	taskID, err := q.Enqueue(context.Background(), "PLACE_ORDER", json.RawMessage(`{"symbol":"BTCUSDT"}`), "session-1", "req-1")
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	executor := &fakeExecutor{result: &taskqueue.ExecutionResult{
		Status: taskqueue.StatusSucceeded,
		Result: json.RawMessage(`{"order_id":"123"}`),
	}}

	pool := taskqueue.NewWorkerPool("adapter-1", client.DB(), cfg(), executor)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))
	defer func() {
		cancel()
		pool.Stop()
	}()

	require.Eventually(t, func() bool {
		sessionID, requestID, status, result, _, _, err := q.GetTask(context.Background(), taskID)
		if err != nil {
			return false
		}
		return status == taskqueue.StatusSucceeded && sessionID == "session-1" && requestID == "req-1" && len(result) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueue_FailedNonRetryableTaskStaysTerminal(t *testing.T) {
	client := testdb.NewTestClient(t)
	q := taskqueue.NewQueue(client.DB())

	taskID, err := q.Enqueue(context.Background(), "CANCEL_ORDER", json.RawMessage(`{}`), "session-2", "req-2")
	require.NoError(t, err)

	executor := &fakeExecutor{result: &taskqueue.ExecutionResult{
		Status:       taskqueue.StatusFailed,
		ErrorCode:    "UPSTREAM_REJECTED",
		ErrorMessage: "order not found",
		Retryable:    false,
	}}

	pool := taskqueue.NewWorkerPool("adapter-2", client.DB(), cfg(), executor)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))
	defer func() {
		cancel()
		pool.Stop()
	}()

	require.Eventually(t, func() bool {
		_, _, status, _, errCode, _, err := q.GetTask(context.Background(), taskID)
		return err == nil && status == taskqueue.StatusFailed && errCode == "UPSTREAM_REJECTED"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPool_HealthReportsQueueDepth(t *testing.T) {
	client := testdb.NewTestClient(t)
	q := taskqueue.NewQueue(client.DB())

	_, err := q.Enqueue(context.Background(), "PLACE_ORDER", json.RawMessage(`{}`), "s", "r")
	require.NoError(t, err)

	executor := &fakeExecutor{result: &taskqueue.ExecutionResult{Status: taskqueue.StatusSucceeded}}
	pool := taskqueue.NewWorkerPool("adapter-3", client.DB(), taskqueue.Config{
		WorkerCount: 0, MaxAttempts: 3, OrphanDetectionInterval: time.Minute, ClaimOrphanThreshold: time.Minute,
	}, executor)

	h := pool.Health(context.Background())
	assert.Equal(t, 1, h.QueueDepth)
}

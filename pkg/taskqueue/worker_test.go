package taskqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testConfig() Config {
	return Config{
		WorkerCount:             5,
		MaxAttempts:             3,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		ClaimOrphanThreshold:    5 * time.Minute,
		OrphanDetectionInterval: 5 * time.Minute,
	}
}

func TestWorkerPollInterval(t *testing.T) {
	w := NewWorker("test-worker", nil, testConfig(), nil)

	for i := 0; i < 100; i++ {
		d := w.pollInterval()
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestWorkerPollIntervalNoJitter(t *testing.T) {
	cfg := testConfig()
	cfg.PollIntervalJitter = 0
	w := NewWorker("test-worker", nil, cfg, nil)

	for i := 0; i < 10; i++ {
		assert.Equal(t, 1*time.Second, w.pollInterval())
	}
}

func TestWorkerPollIntervalWithNegativeJitter(t *testing.T) {
	cfg := testConfig()
	cfg.PollIntervalJitter = -100 * time.Millisecond
	w := NewWorker("test-worker", nil, cfg, nil)

	for i := 0; i < 10; i++ {
		assert.Equal(t, 1*time.Second, w.pollInterval())
	}
}

func TestWorkerHealth(t *testing.T) {
	w := NewWorker("worker-1", nil, testConfig(), nil)

	h := w.Health()
	assert.Equal(t, "worker-1", h.ID)
	assert.Equal(t, "idle", h.Status)
	assert.Equal(t, "", h.CurrentTaskID)
	assert.Equal(t, 0, h.TasksProcessed)

	w.setStatus("working", "task-abc")
	h = w.Health()
	assert.Equal(t, "working", h.Status)
	assert.Equal(t, "task-abc", h.CurrentTaskID)

	w.setStatus("idle", "")
	h = w.Health()
	assert.Equal(t, "idle", h.Status)
	assert.Equal(t, "", h.CurrentTaskID)
}

func TestWorkerStopIdempotent(t *testing.T) {
	w := NewWorker("worker-1", nil, testConfig(), nil)

	assert.NotPanics(t, func() { w.Stop() })
	assert.NotPanics(t, func() { w.Stop() })
}

func TestWorkerBackoffForFollowsOneFourSixteenSeries(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBackoffBase = time.Second
	cfg.RetryBackoffCap = 16 * time.Second
	w := NewWorker("test-worker", nil, cfg, nil)

	assert.Equal(t, 1*time.Second, w.backoffFor(1))
	assert.Equal(t, 4*time.Second, w.backoffFor(2))
	assert.Equal(t, 16*time.Second, w.backoffFor(3))
	assert.Equal(t, 16*time.Second, w.backoffFor(4), "delay must not exceed RetryBackoffCap")
}

func TestWorkerBackoffForDefaultsWhenUnconfigured(t *testing.T) {
	w := NewWorker("test-worker", nil, testConfig(), nil)

	assert.Equal(t, 1*time.Second, w.backoffFor(1))
	assert.Equal(t, 4*time.Second, w.backoffFor(2))
}

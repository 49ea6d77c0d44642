// Package taskqueue implements the Task Queue & Router (spec.md §4.3): a
// durable, at-least-once work queue for REST calls the Exchange Adapter must
// make against the upstream exchange (the one-shot gets such as klines,
// quotes, exchange_info and account snapshots). Tasks are rows in the `tasks` table;
// claiming uses SELECT ... FOR UPDATE SKIP LOCKED so exactly one worker ever
// executes a given task, and every status transition is driven by SQL
// triggers (pkg/database/migrations/0004_tasks.up.sql) rather than
// application-level publish calls.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for queue operations.
var (
	// ErrNoTasksAvailable indicates no pending tasks are in the queue.
	ErrNoTasksAvailable = errors.New("no tasks available")

	// ErrAtCapacity indicates the worker pool's concurrency limit has been reached.
	ErrAtCapacity = errors.New("at capacity")
)

// Status values a task can hold. Must match the CHECK constraint in
// pkg/database/migrations/0004_tasks.up.sql.
const (
	StatusPending   = "PENDING"
	StatusClaimed   = "CLAIMED"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// Task is one row of the tasks table, as handed to a TaskExecutor.
type Task struct {
	TaskID          string
	Type            string
	Payload         json.RawMessage
	Attempts        int
	OriginSessionID string
	OriginRequestID string
}

// ExecutionResult is what a TaskExecutor returns: the terminal state to
// write back. A FAILED result with Retryable set and Attempts still under the
// queue's max-attempts ceiling causes the worker to requeue instead of terminating —
// see worker.go's handling of ExecutionResult.Retryable.
type ExecutionResult struct {
	Status       string // StatusSucceeded or StatusFailed
	Result       json.RawMessage
	ErrorCode    string
	ErrorMessage string
	// Retryable marks a FAILED result as transient (e.g. upstream 503,
	// connection reset) — the worker requeues it instead of leaving it
	// terminal, as long as attempts remain under the configured ceiling.
	Retryable bool
}

// TaskExecutor executes one claimed task against the upstream exchange.
// Implemented by pkg/exchange for REST-backed task types.
type TaskExecutor interface {
	Execute(ctx context.Context, task *Task) *ExecutionResult
}

// PoolHealth reports the aggregate state of the worker pool.
type PoolHealth struct {
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth reports the state of a single worker.
type WorkerHealth struct {
	ID               string    `json:"id"`
	Status           string    `json:"status"` // "idle" or "working"
	CurrentTaskID    string    `json:"current_task_id,omitempty"`
	TasksProcessed   int       `json:"tasks_processed"`
	LastActivity     time.Time `json:"last_activity"`
}

// Config tunes worker pool behavior (spec.md §6: task_worker_count,
// task_max_attempts).
type Config struct {
	WorkerCount             int
	MaxAttempts             int
	PollInterval            time.Duration
	PollIntervalJitter      time.Duration
	ClaimOrphanThreshold    time.Duration
	OrphanDetectionInterval time.Duration

	// RetryBackoffBase and RetryBackoffCap parameterize the exponential
	// requeue delay (spec.md §4.3: "exponential: 1s, 4s, 16s, capped"). A
	// zero RetryBackoffBase falls back to the 1s/4s/16s/... default series
	// (base 1s, factor 4) — see Worker.backoffFor.
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration
}

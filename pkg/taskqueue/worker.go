package taskqueue

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Worker is a single task worker that polls for and executes tasks.
type Worker struct {
	id       string
	db       *stdsql.DB
	config   Config
	executor TaskExecutor
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu             sync.RWMutex
	status         string
	currentTaskID  string
	tasksProcessed int
	lastActivity   time.Time
}

// NewWorker creates a new task worker.
func NewWorker(id string, db *stdsql.DB, cfg Config, executor TaskExecutor) *Worker {
	return &Worker{
		id:           id,
		db:           db,
		config:       cfg,
		executor:     executor,
		stopCh:       make(chan struct{}),
		status:       "idle",
		lastActivity: time.Now(),
	}
}

// Start begins the worker's polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for its current task to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the worker's current health snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         w.status,
		CurrentTaskID:  w.currentTaskID,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("task worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("task worker shutting down")
			return
		case <-ctx.Done():
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoTasksAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("error processing task", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next pending task and runs it to completion.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	task, err := w.claimNextTask(ctx)
	if err != nil {
		return err
	}

	log := slog.With("task_id", task.TaskID, "type", task.Type, "worker_id", w.id)
	log.Info("task claimed")

	w.setStatus("working", task.TaskID)
	defer w.setStatus("idle", "")

	result := w.executor.Execute(ctx, task)
	if result == nil {
		result = &ExecutionResult{Status: StatusFailed, ErrorCode: "EXECUTOR_NIL_RESULT", ErrorMessage: "executor returned nil result"}
	}

	if result.Status == StatusFailed && result.Retryable && task.Attempts < w.config.MaxAttempts {
		delay := w.backoffFor(task.Attempts)
		if err := w.requeue(context.Background(), task.TaskID, delay); err != nil {
			log.Error("failed to requeue task", "error", err)
			return err
		}
		log.Warn("task failed, requeued for retry", "attempts", task.Attempts, "delay", delay, "error_code", result.ErrorCode)
		return nil
	}

	if err := w.completeTask(context.Background(), task.TaskID, result); err != nil {
		log.Error("failed to write terminal task status", "error", err)
		return err
	}

	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()

	log.Info("task processing complete", "status", result.Status)
	return nil
}

// claimNextTask atomically claims the oldest PENDING task using
// SELECT ... FOR UPDATE SKIP LOCKED, guaranteeing exactly one worker across
// any number of processes ever claims a given row.
func (w *Worker) claimNextTask(ctx context.Context) (*Task, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		taskID          string
		taskType        string
		payload         []byte
		attempts        int
		originSessionID stdsql.NullString
		originRequestID stdsql.NullString
	)
	row := tx.QueryRowContext(ctx, `
		SELECT task_id, type, payload, attempts, origin_session_id, origin_request_id
		FROM tasks
		WHERE status = 'PENDING' AND next_attempt_at <= now()
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	if err := row.Scan(&taskID, &taskType, &payload, &attempts, &originSessionID, &originRequestID); err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, ErrNoTasksAvailable
		}
		return nil, fmt.Errorf("query pending task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'CLAIMED', worker_id = $1, claimed_at = now(), attempts = attempts + 1
		WHERE task_id = $2`, w.id, taskID); err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	return &Task{
		TaskID:          taskID,
		Type:            taskType,
		Payload:         json.RawMessage(payload),
		Attempts:        attempts + 1,
		OriginSessionID: originSessionID.String,
		OriginRequestID: originRequestID.String,
	}, nil
}

// requeue resets a CLAIMED task back to PENDING, not eligible for claim
// again until delay has elapsed. The trigger does not fire task.new on this
// transition (only on INSERT); like every pending task, a requeued one is
// picked up on a later poll tick once next_attempt_at has passed.
func (w *Worker) requeue(ctx context.Context, taskID string, delay time.Duration) error {
	_, err := w.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'PENDING', worker_id = NULL, claimed_at = NULL,
			next_attempt_at = now() + $1
		WHERE task_id = $2`, delay, taskID)
	return err
}

// backoffFor returns the delay before a task that has failed attemptsSoFar
// times may be claimed again: 1s, 4s, 16s, ... (base 1s, factor 4), capped
// at config.RetryBackoffCap (spec.md §4.3: "exponential: 1s, 4s, 16s,
// capped").
func (w *Worker) backoffFor(attemptsSoFar int) time.Duration {
	base := w.config.RetryBackoffBase
	if base <= 0 {
		base = time.Second
	}
	ceiling := w.config.RetryBackoffCap
	if ceiling <= 0 {
		ceiling = 60 * time.Second
	}

	delay := base
	for i := 1; i < attemptsSoFar; i++ {
		delay *= 4
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// completeTask writes the terminal status. The update trigger fires
// task.completed in the same transaction.
func (w *Worker) completeTask(ctx context.Context, taskID string, result *ExecutionResult) error {
	var resultJSON []byte
	if len(result.Result) > 0 {
		resultJSON = result.Result
	}
	_, err := w.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1, result = $2, error_code = $3, error_message = $4, completed_at = now()
		WHERE task_id = $5`,
		result.Status, resultJSON, nullIfEmpty(result.ErrorCode), nullIfEmpty(result.ErrorMessage), taskID)
	return err
}

func nullIfEmpty(s string) stdsql.NullString {
	if s == "" {
		return stdsql.NullString{}
	}
	return stdsql.NullString{String: s, Valid: true}
}

func (w *Worker) setStatus(status, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}

// pollInterval returns the poll duration with jitter, spreading worker
// wake-ups to avoid every worker hammering the claim query in lockstep.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

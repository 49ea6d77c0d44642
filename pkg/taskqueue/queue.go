package taskqueue

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"fmt"
)

// Queue is the enqueue/lookup side of the task table, used by pkg/gateway to
// submit tasks and to correlate a completed task back to its originating
// session and request. It holds no in-process state; every call is a single
// SQL statement.
type Queue struct {
	db *stdsql.DB
}

// NewQueue wraps db for task enqueue/lookup.
func NewQueue(db *stdsql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts a new PENDING task. The insert trigger fires task.new,
// but workers do not listen for it: the task is claimed on a worker's next
// poll.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload json.RawMessage, originSessionID, originRequestID string) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var taskID string
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO tasks (type, payload, origin_session_id, origin_request_id)
		VALUES ($1, $2, $3, $4)
		RETURNING task_id`,
		taskType, []byte(payload), originSessionID, originRequestID,
	).Scan(&taskID)
	if err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return taskID, nil
}

// GetTask resolves a task's current state, for correlating a task.completed
// notification back to the session/request that submitted it. Satisfies
// pkg/gateway.TaskLookup.
func (q *Queue) GetTask(ctx context.Context, taskID string) (originSessionID, originRequestID, status string, result json.RawMessage, errCode, errMessage string, err error) {
	var originSession, originRequest, errorCode, errorMessage stdsql.NullString
	var resultBytes []byte
	row := q.db.QueryRowContext(ctx, `
		SELECT origin_session_id, origin_request_id, status, result, error_code, error_message
		FROM tasks WHERE task_id = $1`, taskID)
	if err = row.Scan(&originSession, &originRequest, &status, &resultBytes, &errorCode, &errorMessage); err != nil {
		return "", "", "", nil, "", "", fmt.Errorf("get task %s: %w", taskID, err)
	}
	return originSession.String, originRequest.String, status, json.RawMessage(resultBytes), errorCode.String, errorMessage.String, nil
}

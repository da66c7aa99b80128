package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/peteromalley/reigh/internal/types"
)

const taskColumns = `id, task_type, status, params, project_id,
	generation_created, output_location, thumbnail_url, created_at, updated_at`

func scanTask(row pgx.Row) (*types.Task, error) {
	var t types.Task
	var paramsJSON []byte
	err := row.Scan(&t.ID, &t.TaskType, &t.Status, &paramsJSON, &t.ProjectID,
		&t.GenerationCreated, &t.OutputLocation, &t.ThumbnailURL, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &t.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task params: %w", err)
		}
	}
	return &t, nil
}

// GetTask retrieves a task by id. Returns (nil, nil) when the row is absent.
func (db *DB) GetTask(ctx context.Context, id uuid.UUID) (*types.Task, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// MarkGenerationCreated flips the task's "artifact created" marker so
// replayed completions are caught by the replay guard.
func (db *DB) MarkGenerationCreated(ctx context.Context, taskID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE tasks SET generation_created = TRUE, updated_at = NOW() WHERE id = $1`,
		taskID)
	if err != nil {
		return fmt.Errorf("failed to mark generation created: %w", err)
	}
	return nil
}

// UpdateTaskOutput records a task's resolved output location and thumbnail.
func (db *DB) UpdateTaskOutput(ctx context.Context, taskID uuid.UUID, location string, thumbnailURL *string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE tasks SET output_location = $1, thumbnail_url = $2, updated_at = NOW() WHERE id = $3`,
		location, thumbnailURL, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task output: %w", err)
	}
	return nil
}

// SetTaskError records a human-readable failure summary on the task.
func (db *DB) SetTaskError(ctx context.Context, taskID uuid.UUID, message string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE tasks SET error_message = $1, updated_at = NOW() WHERE id = $2`,
		message, taskID)
	if err != nil {
		return fmt.Errorf("failed to set task error: %w", err)
	}
	return nil
}

// ConditionalUpdateTaskStatus transitions a task's status only if its
// current status is in the allowed set, returning the number of rows
// affected. This is the engine's sole concurrency primitive: a result of 0
// means another invocation already performed the transition.
func (db *DB) ConditionalUpdateTaskStatus(ctx context.Context, id uuid.UUID, newStatus types.TaskStatus, allowed []types.TaskStatus) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status = ANY($3)`,
		newStatus, id, statusStrings(allowed))
	if err != nil {
		return 0, fmt.Errorf("failed to conditionally update task status: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListSegmentTasks returns tasks of the given types whose params carry the
// correlation key/value at the top level. correlationKey is restricted to
// the known correlation fields to keep it out of SQL injection territory.
func (db *DB) ListSegmentTasks(ctx context.Context, correlationKey, correlationValue string, taskTypes []string) ([]types.Task, error) {
	switch correlationKey {
	case "orchestrator_run_id", "run_id":
	default:
		return nil, fmt.Errorf("unsupported correlation key %q", correlationKey)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE params->>$1 = $2 AND task_type = ANY($3)
		 ORDER BY created_at`,
		correlationKey, correlationValue, taskTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to list segment tasks: %w", err)
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate segment tasks: %w", err)
	}
	return tasks, nil
}

func statusStrings(statuses []types.TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

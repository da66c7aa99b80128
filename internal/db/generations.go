package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/peteromalley/reigh/internal/types"
)

const generationColumns = `id, tasks, project_id, type, location, thumbnail_url,
	params, name, based_on, parent_generation_id, is_child, child_order,
	created_at, updated_at`

func scanGeneration(row pgx.Row) (*types.Generation, error) {
	var g types.Generation
	var tasksJSON, paramsJSON []byte
	err := row.Scan(&g.ID, &tasksJSON, &g.ProjectID, &g.MediaType, &g.Location,
		&g.ThumbnailURL, &paramsJSON, &g.Name, &g.BasedOn, &g.ParentID,
		&g.IsChild, &g.ChildOrder, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if tasksJSON != nil {
		if err := json.Unmarshal(tasksJSON, &g.TaskIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal generation tasks: %w", err)
		}
	}
	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &g.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal generation params: %w", err)
		}
	}
	return &g, nil
}

func (db *DB) queryGeneration(ctx context.Context, query string, args ...any) (*types.Generation, error) {
	row := db.pool.QueryRow(ctx, query, args...)
	g, err := scanGeneration(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return g, nil
}

// FindGenerationByTask finds the generation listing the task as a creator.
// This is the idempotency-key lookup: at most one row can match.
func (db *DB) FindGenerationByTask(ctx context.Context, taskID uuid.UUID) (*types.Generation, error) {
	g, err := db.queryGeneration(ctx,
		`SELECT `+generationColumns+` FROM generations
		 WHERE primary_task_id = $1 OR tasks ? $2
		 LIMIT 1`,
		taskID, taskID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to find generation by task: %w", err)
	}
	return g, nil
}

// FindGenerationByID retrieves a generation by id, (nil, nil) when absent.
func (db *DB) FindGenerationByID(ctx context.Context, id uuid.UUID) (*types.Generation, error) {
	g, err := db.queryGeneration(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find generation by id: %w", err)
	}
	return g, nil
}

// FindGenerationByLocation finds a generation in the project whose current
// display location matches. Used for lineage reverse lookup.
func (db *DB) FindGenerationByLocation(ctx context.Context, projectID uuid.UUID, location string) (*types.Generation, error) {
	g, err := db.queryGeneration(ctx,
		`SELECT `+generationColumns+` FROM generations
		 WHERE project_id = $1 AND location = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		projectID, location)
	if err != nil {
		return nil, fmt.Errorf("failed to find generation by location: %w", err)
	}
	return g, nil
}

// FindChildByPairingKey finds the child of a parent whose params carry the
// position-stable pairing key.
func (db *DB) FindChildByPairingKey(ctx context.Context, parentID uuid.UUID, pairingKey string) (*types.Generation, error) {
	g, err := db.queryGeneration(ctx,
		`SELECT `+generationColumns+` FROM generations
		 WHERE parent_generation_id = $1 AND is_child
		   AND params->>'pair_shot_generation_id' = $2
		 ORDER BY created_at
		 LIMIT 1`,
		parentID, pairingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to find child by pairing key: %w", err)
	}
	return g, nil
}

// FindChildByOrder finds the child of a parent at a child_order position.
func (db *DB) FindChildByOrder(ctx context.Context, parentID uuid.UUID, childOrder int) (*types.Generation, error) {
	g, err := db.queryGeneration(ctx,
		`SELECT `+generationColumns+` FROM generations
		 WHERE parent_generation_id = $1 AND is_child AND child_order = $2
		 ORDER BY created_at
		 LIMIT 1`,
		parentID, childOrder)
	if err != nil {
		return nil, fmt.Errorf("failed to find child by order: %w", err)
	}
	return g, nil
}

// CountChildren returns the number of children under a parent.
func (db *DB) CountChildren(ctx context.Context, parentID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM generations WHERE parent_generation_id = $1 AND is_child`,
		parentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count children: %w", err)
	}
	return n, nil
}

// InsertGeneration inserts a new generation. A creator-task uniqueness
// conflict is returned as types.ErrDuplicateTask so callers can re-query
// for the row that won the race.
func (db *DB) InsertGeneration(ctx context.Context, gen *types.Generation) (*types.Generation, error) {
	tasksJSON, err := json.Marshal(gen.TaskIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generation tasks: %w", err)
	}
	paramsJSON, err := json.Marshal(gen.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generation params: %w", err)
	}

	var primaryTaskID *uuid.UUID
	if len(gen.TaskIDs) > 0 {
		id, err := uuid.Parse(gen.TaskIDs[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse creator task id: %w", err)
		}
		primaryTaskID = &id
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO generations
		   (id, tasks, primary_task_id, project_id, type, location, thumbnail_url,
		    params, name, based_on, parent_generation_id, is_child, child_order)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING `+generationColumns,
		gen.ID, tasksJSON, primaryTaskID, gen.ProjectID, gen.MediaType,
		gen.Location, gen.ThumbnailURL, paramsJSON, gen.Name, gen.BasedOn,
		gen.ParentID, gen.IsChild, gen.ChildOrder)

	inserted, err := scanGeneration(row)
	if err != nil {
		return nil, mapConstraintError(err)
	}
	return inserted, nil
}

// UpdateGeneration applies a partial update to the named columns.
func (db *DB) UpdateGeneration(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	allowed := map[string]bool{
		"location": true, "thumbnail_url": true, "name": true,
		"based_on": true, "child_order": true, "params": true,
	}

	setClauses := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+1)
	i := 1
	for col, val := range fields {
		if !allowed[col] {
			return fmt.Errorf("refusing to update column %q", col)
		}
		if col == "params" {
			b, err := json.Marshal(val)
			if err != nil {
				return fmt.Errorf("failed to marshal params update: %w", err)
			}
			val = b
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, val)
		i++
	}
	setClauses = append(setClauses, "updated_at = NOW()")
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE generations SET %s WHERE id = $%d`,
		strings.Join(setClauses, ", "), i)
	if _, err := db.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update generation: %w", err)
	}
	return nil
}

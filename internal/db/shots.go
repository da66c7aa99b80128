package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Attach links a generation onto a shot timeline, appending it at the end
// when withPosition is set. Idempotent: re-attaching an already linked
// generation is a no-op.
func (db *DB) Attach(ctx context.Context, shotID string, generationID uuid.UUID, withPosition bool) error {
	if withPosition {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO shot_generations (shot_id, generation_id, position)
			 SELECT $1, $2, COALESCE(MAX(position), 0) + 1
			 FROM shot_generations WHERE shot_id = $1
			 ON CONFLICT (shot_id, generation_id) DO NOTHING`,
			shotID, generationID)
		if err != nil {
			return fmt.Errorf("failed to attach generation to shot: %w", err)
		}
		return nil
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO shot_generations (shot_id, generation_id)
		 VALUES ($1, $2)
		 ON CONFLICT (shot_id, generation_id) DO NOTHING`,
		shotID, generationID)
	if err != nil {
		return fmt.Errorf("failed to attach generation to shot: %w", err)
	}
	return nil
}

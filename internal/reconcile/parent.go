package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peteromalley/reigh/internal/params"
	"github.com/peteromalley/reigh/internal/types"
)

// getOrCreateParent resolves the aggregate generation for a multi-part
// workflow, creating a placeholder on first need. It is idempotent under
// arbitrary concurrent callers; the returned row is not necessarily this
// call's insert.
//
// fallbackParams is the calling segment's params, used to seed the
// placeholder when the orchestrator row is unreachable.
func (e *Engine) getOrCreateParent(ctx context.Context, orchestratorTaskID, projectID uuid.UUID, fallbackParams types.Params) (*types.Generation, error) {
	seed := fallbackParams
	media := types.MediaVideo

	orch, err := e.store.GetTask(ctx, orchestratorTaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load orchestrator task %s: %w", orchestratorTaskID, err)
	}
	if orch != nil {
		if len(orch.Params) > 0 {
			seed = orch.Params
		}
		if def, ok := e.registry.Lookup(orch.TaskType); ok {
			media = def.ContentType
		}
	} else {
		e.logger.Warn("orchestrator task row unreachable, seeding parent from segment params",
			zap.String("orchestrator_task_id", orchestratorTaskID.String()))
	}

	// The user may have chosen to pour the workflow into an existing
	// generation instead of a fresh placeholder.
	if explicitID, ok := params.UUID(seed, params.PathsParentGenerationID); ok {
		existing, err := e.store.FindGenerationByID(ctx, explicitID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch explicit parent generation %s: %w", explicitID, err)
		}
		if existing != nil {
			return existing, nil
		}
		e.logger.Warn("explicit parent generation does not exist, creating placeholder instead",
			zap.String("parent_generation_id", explicitID.String()))
	}

	existing, err := e.store.FindGenerationByTask(ctx, orchestratorTaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up parent generation by task: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	placeholder := &types.Generation{
		ID:        uuid.New(),
		TaskIDs:   []string{orchestratorTaskID.String()},
		ProjectID: projectID,
		MediaType: media,
		Location:  nil,
		Params:    seed,
		IsChild:   false,
	}

	inserted, err := e.store.InsertGeneration(ctx, placeholder)
	if err != nil {
		if errors.Is(err, types.ErrDuplicateTask) {
			// Another segment's placeholder insert won the race.
			winner, qerr := e.store.FindGenerationByTask(ctx, orchestratorTaskID)
			if qerr != nil {
				return nil, fmt.Errorf("failed to re-query parent after insert conflict: %w", qerr)
			}
			if winner == nil {
				return nil, fmt.Errorf("parent insert conflicted but no row found for task %s", orchestratorTaskID)
			}
			return winner, nil
		}
		return nil, fmt.Errorf("failed to insert parent placeholder: %w", err)
	}

	e.attachToShot(ctx, seed, inserted.ID, false)

	return inserted, nil
}

// attachToShot best-effort links a generation to the shot referenced in the
// given params. Failures are logged, never fatal.
func (e *Engine) attachToShot(ctx context.Context, p types.Params, generationID uuid.UUID, withPosition bool) {
	shotID, ok := params.String(p, params.PathsShotID)
	if !ok {
		return
	}
	if err := e.shots.Attach(ctx, shotID, generationID, withPosition); err != nil {
		e.logger.Warn("failed to attach generation to shot",
			zap.String("shot_id", shotID),
			zap.String("generation_id", generationID.String()),
			zap.Error(err))
	}
}

package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peteromalley/reigh/internal/params"
	"github.com/peteromalley/reigh/internal/taskreg"
	"github.com/peteromalley/reigh/internal/types"
)

// FanInResult reports what the monitor observed and whether it transitioned
// the orchestrator.
type FanInResult struct {
	OrchestratorID uuid.UUID
	Transitioned   bool
	NewStatus      types.TaskStatus
	Expected       int
	Complete       int
	Failed         int
	Pending        int
}

// Expected-count keys per workflow family. The counting rule is
// family-specific: travel orchestrators declare how many segments they will
// spawn; join-clips orchestrators declare how many clips they join, which is
// one more than the number of joining segments.
var (
	pathsTravelExpected  = []string{"num_new_segments_to_generate", "num_new_segments"}
	pathsJoinClips       = []string{"num_clips_to_join"}
	pathsGenericExpected = []string{"expected_segment_count"}
)

// expectedSegments reads the expected segment count from the orchestrator's
// own params. Returns 0 when unknown.
func expectedSegments(family string, orch *types.Task) int {
	if orch == nil {
		return 0
	}
	switch family {
	case "travel":
		if n, ok := params.Int(orch.Params, pathsTravelExpected); ok {
			return n
		}
	case "join_clips":
		if n, ok := params.Int(orch.Params, pathsJoinClips); ok && n > 1 {
			return n - 1
		}
	}
	if n, ok := params.Int(orch.Params, pathsGenericExpected); ok {
		return n
	}
	return 0
}

// finalSegmentIsDeliverable reports whether the workflow family's last
// segment output is the finished artifact, in which case a completing fan-in
// cascades it onto the parent generation's primary variant.
func finalSegmentIsDeliverable(family string) bool {
	return family == "join_clips"
}

// MonitorFanIn aggregates sibling segment state after one segment completes
// and flips the orchestrator's status exactly once when the workflow has
// fully resolved. Correctness under N-way concurrent completions rests
// entirely on the conditional status update, not on read-then-write.
func (e *Engine) MonitorFanIn(ctx context.Context, ev types.CompletionEvent) (*FanInResult, error) {
	class, err := e.registry.Classify(ev.TaskType, ev.Params)
	if err != nil {
		return nil, err
	}
	if class.Category != taskreg.CategorySegment {
		return nil, nil
	}

	orchestratorID, ok := params.UUID(ev.Params, params.PathsOrchestratorTaskID)
	if !ok {
		return nil, nil
	}

	orch, err := e.store.GetTask(ctx, orchestratorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load orchestrator: %w", err)
	}
	if orch == nil {
		e.logger.Warn("fan-in skipped, orchestrator row unreachable",
			zap.String("orchestrator_task_id", orchestratorID.String()))
		return nil, nil
	}

	siblings, err := e.querySiblings(ctx, ev, orch)
	if err != nil {
		return nil, err
	}
	if len(siblings) == 0 {
		e.logger.Warn("fan-in skipped, no sibling segments found under any correlation key",
			zap.String("orchestrator_task_id", orchestratorID.String()))
		return nil, nil
	}

	result := &FanInResult{
		OrchestratorID: orchestratorID,
		Expected:       expectedSegments(class.WorkflowFamily, orch),
	}
	for _, t := range siblings {
		switch {
		case t.Status == types.StatusComplete:
			result.Complete++
		case t.Status.Terminal():
			// Failed and Cancelled both count against the workflow.
			result.Failed++
		default:
			result.Pending++
		}
	}

	if result.Expected > 0 && len(siblings) != result.Expected {
		e.logger.Warn("fan-in still assembling, segment count mismatch",
			zap.String("orchestrator_task_id", orchestratorID.String()),
			zap.Int("expected", result.Expected),
			zap.Int("found", len(siblings)))
		return result, nil
	}
	if result.Pending > 0 {
		return result, nil
	}

	allowed := []types.TaskStatus{types.StatusQueued, types.StatusInProgress}

	if result.Failed > 0 {
		rows, err := e.store.ConditionalUpdateTaskStatus(ctx, orchestratorID, types.StatusFailed, allowed)
		if err != nil {
			return nil, fmt.Errorf("failed to fail orchestrator: %w", err)
		}
		if rows == 1 {
			result.Transitioned = true
			result.NewStatus = types.StatusFailed
			tally := fmt.Sprintf("%d of %d segments failed", result.Failed, len(siblings))
			if err := e.store.SetTaskError(ctx, orchestratorID, tally); err != nil {
				e.logger.Warn("failed to record failure tally", zap.Error(err))
			}
			e.logger.Info("orchestrator failed",
				zap.String("orchestrator_task_id", orchestratorID.String()),
				zap.String("tally", tally))
		}
		return result, nil
	}

	rows, err := e.store.ConditionalUpdateTaskStatus(ctx, orchestratorID, types.StatusComplete, allowed)
	if err != nil {
		return nil, fmt.Errorf("failed to complete orchestrator: %w", err)
	}
	if rows != 1 {
		// Another segment's invocation already flipped it.
		return result, nil
	}
	result.Transitioned = true
	result.NewStatus = types.StatusComplete

	// The triggering segment's output becomes the orchestrator's own output.
	if err := e.store.UpdateTaskOutput(ctx, orchestratorID, ev.Location, ev.ThumbnailURL); err != nil {
		return nil, fmt.Errorf("failed to record orchestrator output: %w", err)
	}

	if finalSegmentIsDeliverable(class.WorkflowFamily) {
		parent, err := e.getOrCreateParent(ctx, orchestratorID, ev.ProjectID, ev.Params)
		if err != nil {
			return nil, err
		}
		vtype := types.VariantRegenerated
		if parent.Location == nil {
			vtype = types.VariantOriginal
		}
		if _, err := e.appendVariant(ctx, parent, ev, vtype, true); err != nil {
			return nil, err
		}
	}

	e.logger.Info("orchestrator complete",
		zap.String("orchestrator_task_id", orchestratorID.String()),
		zap.Int("segments", len(siblings)))

	return result, nil
}

// querySiblings finds the sibling segments of the triggering task. Producers
// disagree on which correlation key they populate, so each top-level key the
// segment's own params carry is queried under that same key; the
// orchestrator's own run id is the fallback.
func (e *Engine) querySiblings(ctx context.Context, ev types.CompletionEvent, orch *types.Task) ([]types.Task, error) {
	segmentTypes := e.registry.SegmentTypes()

	for _, key := range []string{"orchestrator_run_id", "run_id"} {
		runID, ok := params.String(ev.Params, []string{key})
		if !ok {
			continue
		}
		siblings, err := e.store.ListSegmentTasks(ctx, key, runID, segmentTypes)
		if err != nil {
			return nil, fmt.Errorf("failed to query siblings by %s: %w", key, err)
		}
		if len(siblings) > 0 {
			return siblings, nil
		}
	}

	if runID, ok := params.String(orch.Params, []string{"run_id"}); ok {
		siblings, err := e.store.ListSegmentTasks(ctx, "run_id", runID, segmentTypes)
		if err != nil {
			return nil, fmt.Errorf("failed to query siblings by run_id: %w", err)
		}
		return siblings, nil
	}

	return nil, nil
}

package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peteromalley/reigh/internal/params"
	"github.com/peteromalley/reigh/internal/taskreg"
	"github.com/peteromalley/reigh/internal/types"
)

// Engine is the per-completion decision procedure. It is stateless; all
// coordination happens through the store's conditional writes, so any number
// of engines may run concurrently against the same database.
type Engine struct {
	store    Store
	shots    ShotLinker
	registry *taskreg.Registry
	logger   *zap.Logger
	validate *validator.Validate
}

// New builds an Engine. All collaborators are required.
func New(store Store, shots ShotLinker, registry *taskreg.Registry, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		shots:    shots,
		registry: registry,
		logger:   logger,
		validate: validator.New(),
	}
}

// HandleCompletion reconciles one completed task into the generation record.
// Rules are evaluated first-match-wins:
//
//  1. a generation already lists this task as creator → replay: append a
//     regenerated variant and promote it
//  2. params name an existing child generation → revision on that child
//  3. params name an existing parent generation → new child via the default
//     path
//  4. workflow-finishing (stitch) task → overwrite the parent's primary
//  5. segment of an orchestrator → child under the lazily created parent,
//     with pairing-key merge and single-part collapse
//  6. otherwise → standalone generation with lineage resolution
//
// Every mutating branch marks the task's generation_created flag so replays
// are caught by rule 1. Classification failure is fatal for the event; the
// caller must leave the task non-terminal.
func (e *Engine) HandleCompletion(ctx context.Context, ev types.CompletionEvent) (*Outcome, error) {
	if err := e.validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("invalid completion event: %w", err)
	}

	class, err := e.registry.Classify(ev.TaskType, ev.Params)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.FindGenerationByTask(ctx, ev.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing generation: %w", err)
	}
	if existing != nil {
		return e.replay(ctx, ev, existing)
	}

	orchestratorID, hasOrchestrator := params.UUID(ev.Params, params.PathsOrchestratorTaskID)

	switch {
	case class.Category == taskreg.CategoryStitch && hasOrchestrator:
		return e.finishWorkflow(ctx, ev, orchestratorID)
	case class.Category == taskreg.CategorySegment && hasOrchestrator:
		return e.reconcileSegment(ctx, ev, class, orchestratorID)
	}

	if childID, ok := params.UUID(ev.Params, params.PathsChildGenerationID); ok {
		child, err := e.store.FindGenerationByID(ctx, childID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch child generation %s: %w", childID, err)
		}
		if child != nil {
			return e.reviseChild(ctx, ev, child)
		}
		e.logger.Warn("child_generation_id does not exist, falling through",
			zap.String("task_id", ev.TaskID.String()),
			zap.String("child_generation_id", childID.String()))
	}

	return e.createDefault(ctx, ev, class)
}

// replay handles repeated delivery of a completion whose generation already
// exists. Not a no-op: each replay is a visible, auditable variant.
func (e *Engine) replay(ctx context.Context, ev types.CompletionEvent, gen *types.Generation) (*Outcome, error) {
	v, err := e.appendVariant(ctx, gen, ev, types.VariantRegenerated, true)
	if err != nil {
		return nil, err
	}

	e.attachToShot(ctx, ev.Params, gen.ID, false)

	if err := e.markCreated(ctx, ev.TaskID); err != nil {
		return nil, err
	}

	e.logger.Info("replayed completion",
		zap.String("task_id", ev.TaskID.String()),
		zap.String("generation_id", gen.ID.String()))

	return &Outcome{Action: ActionReplay, Generation: gen, Variant: v}, nil
}

// reviseChild creates a variant on a directly named child generation. When
// the revision is primary and the child is provably the only child of its
// parent, the parent gets an equivalent variant so its display stays in sync
// with its sole child.
func (e *Engine) reviseChild(ctx context.Context, ev types.CompletionEvent, child *types.Generation) (*Outcome, error) {
	makePrimary := true
	if v, ok := params.Bool(ev.Params, params.PathsMakePrimary); ok {
		makePrimary = v
	}

	v, err := e.appendVariant(ctx, child, ev, types.VariantEdit, makePrimary)
	if err != nil {
		return nil, err
	}

	if makePrimary && child.ParentID != nil {
		only, err := e.isOnlyChild(ctx, child)
		if err != nil {
			return nil, err
		}
		if only {
			parent, err := e.store.FindGenerationByID(ctx, *child.ParentID)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch parent of sole child: %w", err)
			}
			if parent != nil {
				if _, err := e.appendVariant(ctx, parent, ev, types.VariantEdit, true); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := e.markCreated(ctx, ev.TaskID); err != nil {
		return nil, err
	}

	return &Outcome{Action: ActionChildEdit, Generation: child, Variant: v}, nil
}

// isOnlyChild prefers the single-part flag stamped at creation time over a
// live sibling count.
func (e *Engine) isOnlyChild(ctx context.Context, child *types.Generation) (bool, error) {
	if flag, ok := params.Bool(child.Params, params.PathsSinglePart); ok {
		return flag, nil
	}
	n, err := e.store.CountChildren(ctx, *child.ParentID)
	if err != nil {
		return false, fmt.Errorf("failed to count siblings: %w", err)
	}
	return n == 1, nil
}

// finishWorkflow handles the final merge/stitch unit of a fanned-out
// workflow. The task never gets its own generation; the parent is the
// externally visible result, and this output becomes its primary.
func (e *Engine) finishWorkflow(ctx context.Context, ev types.CompletionEvent, orchestratorID uuid.UUID) (*Outcome, error) {
	parent, err := e.getOrCreateParent(ctx, orchestratorID, ev.ProjectID, ev.Params)
	if err != nil {
		return nil, err
	}

	vtype := types.VariantRegenerated
	if parent.Location == nil {
		vtype = types.VariantOriginal
	}
	v, err := e.appendVariant(ctx, parent, ev, vtype, true)
	if err != nil {
		return nil, err
	}

	if err := e.markCreated(ctx, ev.TaskID); err != nil {
		return nil, err
	}

	e.logger.Info("workflow output written to parent",
		zap.String("task_id", ev.TaskID.String()),
		zap.String("generation_id", parent.ID.String()))

	return &Outcome{Action: ActionWorkflowFinish, Generation: parent, Variant: v}, nil
}

// segmentArrayProjections maps per-segment arrays on the orchestrator's
// params to the scalar keys a segment's own params use.
var segmentArrayProjections = []struct {
	arrayKey  string
	scalarKey string
}{
	{"base_prompts", "base_prompt"},
	{"negative_prompts", "negative_prompt"},
	{"segment_frames", "num_frames"},
	{"frame_overlap", "frame_overlap"},
	{"pair_shot_generation_ids", "pair_shot_generation_id"},
	{"input_image_paths", "input_image_path"},
}

// reconcileSegment handles one unit of a fanned-out workflow.
func (e *Engine) reconcileSegment(ctx context.Context, ev types.CompletionEvent, class taskreg.Classification, orchestratorID uuid.UUID) (*Outcome, error) {
	parent, err := e.getOrCreateParent(ctx, orchestratorID, ev.ProjectID, ev.Params)
	if err != nil {
		return nil, err
	}

	orch, err := e.store.GetTask(ctx, orchestratorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load orchestrator task: %w", err)
	}

	segIdx, hasIdx := params.Int(ev.Params, params.PathsSegmentIndex)
	local := e.projectSegmentParams(orch, ev.Params, segIdx, hasIdx)

	// Stable-position merge: a redo of one part among many lands as a
	// non-primary variant on the child already occupying that position. The
	// pairing key survives reordering so it is tried first; order covers
	// children created before their producer stamped keys.
	pairKey, hasKey := params.String(local, params.PathsPairingKey)
	if hasKey {
		occupant, err := e.store.FindChildByPairingKey(ctx, parent.ID, pairKey)
		if err != nil {
			return nil, fmt.Errorf("failed to look up child by pairing key: %w", err)
		}
		if occupant != nil {
			return e.mergeIntoChild(ctx, ev, occupant, pairKey)
		}
	}
	if hasIdx {
		occupant, err := e.store.FindChildByOrder(ctx, parent.ID, segIdx)
		if err != nil {
			return nil, fmt.Errorf("failed to look up child by order: %w", err)
		}
		if occupant != nil {
			// An occupant carrying a different pairing key holds a different
			// position that happens to share the index; keys win over order.
			_, occupantKeyed := occupant.Params["pair_shot_generation_id"]
			if !hasKey || !occupantKeyed {
				return e.mergeIntoChild(ctx, ev, occupant, pairKey)
			}
		}
	}

	expected := expectedSegments(class.WorkflowFamily, orch)
	collapse := expected == 1 && hasIdx && segIdx == 0
	if collapse {
		local["single_segment"] = true
	}

	child := &types.Generation{
		ID:           uuid.New(),
		TaskIDs:      []string{ev.TaskID.String()},
		ProjectID:    ev.ProjectID,
		MediaType:    class.ContentType,
		Location:     types.StringPtr(ev.Location),
		ThumbnailURL: ev.ThumbnailURL,
		Params:       local,
		ParentID:     &parent.ID,
		IsChild:      true,
	}
	if hasIdx {
		child.ChildOrder = types.IntPtr(segIdx)
	}

	inserted, err := e.store.InsertGeneration(ctx, child)
	if err != nil {
		if errors.Is(err, types.ErrDuplicateTask) {
			winner, qerr := e.store.FindGenerationByTask(ctx, ev.TaskID)
			if qerr == nil && winner != nil {
				return e.replay(ctx, ev, winner)
			}
			return nil, fmt.Errorf("child insert conflicted without a resolvable winner: %w", err)
		}
		return nil, fmt.Errorf("failed to insert child generation: %w", err)
	}

	v, err := e.appendVariant(ctx, inserted, ev, types.VariantSegment, true)
	if err != nil {
		return nil, err
	}

	// Single-part collapse: the lone segment is the final output, so the
	// parent's display follows it directly, no finishing step required. The
	// child row is still created for structural symmetry with the
	// multi-segment case.
	if collapse {
		vtype := types.VariantRegenerated
		if parent.Location == nil {
			vtype = types.VariantOriginal
		}
		if _, err := e.appendVariant(ctx, parent, ev, vtype, true); err != nil {
			return nil, err
		}
	}

	if err := e.markCreated(ctx, ev.TaskID); err != nil {
		return nil, err
	}

	return &Outcome{Action: ActionSegmentChild, Generation: inserted, Variant: v, Collapsed: collapse}, nil
}

// mergeIntoChild appends a segment redo as a non-primary variant on the
// child that already occupies the position. A child matched by order alone
// learns the redo's pairing key, so later redos match by key even after
// positions shift.
func (e *Engine) mergeIntoChild(ctx context.Context, ev types.CompletionEvent, child *types.Generation, pairKey string) (*Outcome, error) {
	v, err := e.appendVariant(ctx, child, ev, types.VariantSegment, false)
	if err != nil {
		return nil, err
	}

	if _, has := child.Params["pair_shot_generation_id"]; pairKey != "" && !has {
		stamped := cloneParams(child.Params)
		stamped["pair_shot_generation_id"] = pairKey
		if err := e.store.UpdateGeneration(ctx, child.ID, map[string]any{"params": stamped}); err != nil {
			e.logger.Warn("failed to stamp pairing key onto child",
				zap.String("generation_id", child.ID.String()),
				zap.Error(err))
		}
	}

	if err := e.markCreated(ctx, ev.TaskID); err != nil {
		return nil, err
	}
	return &Outcome{Action: ActionSegmentMerge, Generation: child, Variant: v}, nil
}

// projectSegmentParams overwrites a copy of the segment's params with this
// segment's slice of any per-segment arrays the orchestrator exposes.
func (e *Engine) projectSegmentParams(orch *types.Task, segParams types.Params, idx int, hasIdx bool) types.Params {
	local := cloneParams(segParams)
	if orch == nil || !hasIdx {
		return local
	}
	for _, proj := range segmentArrayProjections {
		if v, ok := params.Index(orch.Params, []string{proj.arrayKey}, idx); ok {
			local[proj.scalarKey] = v
		}
	}
	return local
}

// createDefault is the fall-through path: a fresh generation, either
// standalone or as a new child when params name an existing parent.
func (e *Engine) createDefault(ctx context.Context, ev types.CompletionEvent, class taskreg.Classification) (*Outcome, error) {
	gen := &types.Generation{
		ID:           uuid.New(),
		TaskIDs:      []string{ev.TaskID.String()},
		ProjectID:    ev.ProjectID,
		MediaType:    class.ContentType,
		Location:     types.StringPtr(ev.Location),
		ThumbnailURL: ev.ThumbnailURL,
		Params:       cloneParams(ev.Params),
	}

	action := ActionStandalone
	if parentID, ok := params.UUID(ev.Params, params.PathsParentGenerationID); ok {
		parent, err := e.store.FindGenerationByID(ctx, parentID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch named parent generation: %w", err)
		}
		if parent != nil {
			gen.ParentID = &parent.ID
			gen.IsChild = true
			if pos, ok := params.Int(ev.Params, params.PathsSegmentIndex); ok {
				gen.ChildOrder = types.IntPtr(pos)
			}
			action = ActionSegmentChild
		} else {
			e.logger.Warn("named parent generation does not exist, creating standalone",
				zap.String("parent_generation_id", parentID.String()))
		}
	}

	if !gen.IsChild {
		gen.BasedOn = e.resolveLineage(ctx, ev)
	}

	inserted, err := e.store.InsertGeneration(ctx, gen)
	if err != nil {
		if errors.Is(err, types.ErrDuplicateTask) {
			winner, qerr := e.store.FindGenerationByTask(ctx, ev.TaskID)
			if qerr == nil && winner != nil {
				return e.replay(ctx, ev, winner)
			}
			return nil, fmt.Errorf("generation insert conflicted without a resolvable winner: %w", err)
		}
		return nil, fmt.Errorf("failed to insert generation: %w", err)
	}

	v, err := e.appendVariant(ctx, inserted, ev, types.VariantOriginal, true)
	if err != nil {
		return nil, err
	}

	e.attachToShot(ctx, ev.Params, inserted.ID, true)

	if err := e.markCreated(ctx, ev.TaskID); err != nil {
		return nil, err
	}

	return &Outcome{Action: action, Generation: inserted, Variant: v}, nil
}

// resolveLineage finds the generation this output was derived from: an
// explicit field first, else a reverse lookup of a generation whose current
// display location matches an input the task consumed. A resolved id is only
// kept if the row still exists; dangling references are dropped silently.
func (e *Engine) resolveLineage(ctx context.Context, ev types.CompletionEvent) *uuid.UUID {
	if id, ok := params.UUID(ev.Params, params.PathsBasedOn); ok {
		existing, err := e.store.FindGenerationByID(ctx, id)
		if err == nil && existing != nil {
			return &id
		}
		e.logger.Warn("dropping dangling based_on reference",
			zap.String("task_id", ev.TaskID.String()),
			zap.String("based_on", id.String()))
		return nil
	}

	inputs, ok := params.StringList(ev.Params, params.PathsInputImages)
	if !ok {
		if single, sok := params.String(ev.Params, params.PathsInputImage); sok {
			inputs, ok = []string{single}, true
		}
	}
	if !ok {
		return nil
	}

	for _, loc := range inputs {
		source, err := e.store.FindGenerationByLocation(ctx, ev.ProjectID, loc)
		if err != nil {
			e.logger.Warn("lineage reverse lookup failed", zap.Error(err))
			return nil
		}
		if source != nil {
			id := source.ID
			return &id
		}
	}
	return nil
}

// appendVariant inserts a variant for this completion and optionally
// promotes it to primary. Variant params carry source_task_id for audit.
func (e *Engine) appendVariant(ctx context.Context, gen *types.Generation, ev types.CompletionEvent, variantType string, promote bool) (*types.Variant, error) {
	vp := cloneParams(ev.Params)
	vp["source_task_id"] = ev.TaskID.String()

	v := &types.Variant{
		ID:           uuid.New(),
		GenerationID: gen.ID,
		Location:     ev.Location,
		ThumbnailURL: ev.ThumbnailURL,
		Params:       vp,
		VariantType:  variantType,
	}

	inserted, err := e.store.InsertVariant(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("failed to insert %s variant: %w", variantType, err)
	}

	if promote {
		if err := e.store.PromoteVariant(ctx, gen.ID, inserted.ID); err != nil {
			return nil, fmt.Errorf("failed to promote variant: %w", err)
		}
		inserted.IsPrimary = true
	}

	return inserted, nil
}

func (e *Engine) markCreated(ctx context.Context, taskID uuid.UUID) error {
	if err := e.store.MarkGenerationCreated(ctx, taskID); err != nil {
		return fmt.Errorf("failed to mark generation created: %w", err)
	}
	return nil
}

func cloneParams(p types.Params) types.Params {
	out := make(types.Params, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}

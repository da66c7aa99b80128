// Package reconcile turns completed units of work into a consistent
// hierarchical record of generations and variants. It is invoked once per
// completed task with no shared memory between invocations; every race is
// settled by conditional writes against the store.
package reconcile

import (
	"context"

	"github.com/google/uuid"

	"github.com/peteromalley/reigh/internal/types"
)

// TaskStore is the task-side store surface. ConditionalUpdateTaskStatus is
// the sole concurrency primitive: it must be an atomic
// "UPDATE ... WHERE status IN (...)" returning the affected row count.
type TaskStore interface {
	GetTask(ctx context.Context, id uuid.UUID) (*types.Task, error)
	MarkGenerationCreated(ctx context.Context, taskID uuid.UUID) error
	UpdateTaskOutput(ctx context.Context, taskID uuid.UUID, location string, thumbnailURL *string) error
	SetTaskError(ctx context.Context, taskID uuid.UUID, message string) error
	ConditionalUpdateTaskStatus(ctx context.Context, id uuid.UUID, newStatus types.TaskStatus, allowed []types.TaskStatus) (int64, error)
	// ListSegmentTasks returns tasks of the given types whose params carry
	// correlationKey = correlationValue at the top level.
	ListSegmentTasks(ctx context.Context, correlationKey, correlationValue string, taskTypes []string) ([]types.Task, error)
}

// GenerationStore is the generation/variant store surface. Lookups return
// (nil, nil) when no row matches. InsertGeneration must map a creator-task
// uniqueness conflict to types.ErrDuplicateTask.
type GenerationStore interface {
	FindGenerationByTask(ctx context.Context, taskID uuid.UUID) (*types.Generation, error)
	FindGenerationByID(ctx context.Context, id uuid.UUID) (*types.Generation, error)
	FindGenerationByLocation(ctx context.Context, projectID uuid.UUID, location string) (*types.Generation, error)
	FindChildByPairingKey(ctx context.Context, parentID uuid.UUID, pairingKey string) (*types.Generation, error)
	FindChildByOrder(ctx context.Context, parentID uuid.UUID, childOrder int) (*types.Generation, error)
	CountChildren(ctx context.Context, parentID uuid.UUID) (int, error)
	InsertGeneration(ctx context.Context, gen *types.Generation) (*types.Generation, error)
	UpdateGeneration(ctx context.Context, id uuid.UUID, fields map[string]any) error
	InsertVariant(ctx context.Context, v *types.Variant) (*types.Variant, error)
	// PromoteVariant demotes all other variants of the generation, marks the
	// given variant primary, and mirrors its location/thumbnail onto the
	// generation's display fields.
	PromoteVariant(ctx context.Context, generationID, variantID uuid.UUID) error
}

// Store is the full persistence contract consumed by the engine.
type Store interface {
	TaskStore
	GenerationStore
}

// ShotLinker attaches generations to shot timelines. Attach failures must
// never fail a reconciliation; callers log and continue.
type ShotLinker interface {
	Attach(ctx context.Context, shotID string, generationID uuid.UUID, withPosition bool) error
}

// Action identifies which reconciliation rule handled a completion.
type Action string

const (
	ActionReplay         Action = "replay"
	ActionChildEdit      Action = "child_edit"
	ActionWorkflowFinish Action = "workflow_finish"
	ActionSegmentChild   Action = "segment_child"
	ActionSegmentMerge   Action = "segment_merge"
	ActionStandalone     Action = "standalone"
)

// Outcome reports what a reconciliation did, mainly for logging and tests.
type Outcome struct {
	Action     Action
	Generation *types.Generation
	Variant    *types.Variant
	Collapsed  bool // single-part collapse wrote the parent's primary too
}

// Package types defines the shared domain types for the generation
// reconciliation engine: tasks, generations, variants, and the completion
// event that triggers reconciliation.
package types

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task row. The string values are
// title-case because that is what producers have always written.
type TaskStatus string

const (
	StatusQueued     TaskStatus = "Queued"
	StatusInProgress TaskStatus = "In Progress"
	StatusComplete   TaskStatus = "Complete"
	StatusFailed     TaskStatus = "Failed"
	StatusCancelled  TaskStatus = "Cancelled"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// MediaType is the medium of a generation's content.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// Variant type tags. Variants are an append-only log of a generation's
// history; the tag records how each entry came to exist.
const (
	VariantOriginal    = "original"
	VariantRegenerated = "regenerated"
	VariantEdit        = "edit"
	VariantUpscaled    = "upscaled"
	VariantSegment     = "individual_segment"
)

// Params is a semi-structured parameter document. Its shape varies by
// producer version; read it through the params package, not directly.
type Params map[string]any

// Task represents a unit of work row. Tasks are mutated by the surrounding
// system; the reconciler only flips GenerationCreated and, through the
// conditional-update primitive, Status.
type Task struct {
	ID                uuid.UUID  `json:"id"`
	TaskType          string     `json:"task_type"`
	Status            TaskStatus `json:"status"`
	Params            Params     `json:"params"`
	ProjectID         uuid.UUID  `json:"project_id"`
	GenerationCreated bool       `json:"generation_created"`
	OutputLocation    *string    `json:"output_location,omitempty"`
	ThumbnailURL      *string    `json:"thumbnail_url,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Generation is a user-visible creative output. A nil Location means the row
// is a placeholder that has not been rendered yet. TaskIDs lists the creator
// tasks; at most one generation may list a given task id.
type Generation struct {
	ID           uuid.UUID  `json:"id"`
	TaskIDs      []string   `json:"tasks"`
	ProjectID    uuid.UUID  `json:"project_id"`
	MediaType    MediaType  `json:"type"`
	Location     *string    `json:"location,omitempty"`
	ThumbnailURL *string    `json:"thumbnail_url,omitempty"`
	Params       Params     `json:"params"`
	Name         *string    `json:"name,omitempty"`
	BasedOn      *uuid.UUID `json:"based_on,omitempty"`
	ParentID     *uuid.UUID `json:"parent_generation_id,omitempty"`
	IsChild      bool       `json:"is_child"`
	ChildOrder   *int       `json:"child_order,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Variant is one concrete version of a generation's content. Exactly one
// variant per generation is primary at any instant; the generation's display
// fields mirror its current primary.
type Variant struct {
	ID           uuid.UUID  `json:"id"`
	GenerationID uuid.UUID  `json:"generation_id"`
	Location     string     `json:"location"`
	ThumbnailURL *string    `json:"thumbnail_url,omitempty"`
	Params       Params     `json:"params"`
	IsPrimary    bool       `json:"is_primary"`
	VariantType  string     `json:"variant_type"`
	Name         *string    `json:"name,omitempty"`
	ViewedAt     *time.Time `json:"viewed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// CompletionEvent is the upstream trigger: one per completed task, carrying
// the task id, the resolved output location, an optional thumbnail, and the
// task's stored type and params.
type CompletionEvent struct {
	TaskID       uuid.UUID `json:"task_id" validate:"required"`
	TaskType     string    `json:"task_type" validate:"required"`
	Location     string    `json:"output_location" validate:"required"`
	ThumbnailURL *string   `json:"thumbnail_url,omitempty"`
	Params       Params    `json:"params"`
	ProjectID    uuid.UUID `json:"project_id" validate:"required"`
}

// StringPtr returns a pointer to s. Convenience for optional columns.
func StringPtr(s string) *string { return &s }

// IntPtr returns a pointer to n.
func IntPtr(n int) *int { return &n }

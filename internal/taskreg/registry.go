// Package taskreg classifies task types. The registry maps each task-type
// name to its category, default tool type, and content type; it is loaded
// from an embedded JSON document validated against a JSON Schema so that
// adding a task type is a data change, not a code change.
package taskreg

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/peteromalley/reigh/internal/params"
	"github.com/peteromalley/reigh/internal/schemas"
	"github.com/peteromalley/reigh/internal/types"
)

//go:embed task_types.json
var registryJSON []byte

//go:embed task_types.schema.json
var registrySchema []byte

// Category groups task types by the reconciliation behavior they need.
type Category string

const (
	CategoryGeneration   Category = "generation"
	CategoryEdit         Category = "edit"
	CategoryUpscale      Category = "upscale"
	CategoryOrchestrator Category = "orchestrator"
	CategorySegment      Category = "segment"
	CategoryStitch       Category = "stitch"
)

// Definition is one registry entry.
type Definition struct {
	Category       Category        `json:"category"`
	ToolType       string          `json:"tool_type"`
	ContentType    types.MediaType `json:"content_type"`
	WorkflowFamily string          `json:"workflow_family,omitempty"`
}

// Classification is the classifier output for one task. ToolType may come
// from a params override; ContentType never does.
type Classification struct {
	Category       Category
	ToolType       string
	ContentType    types.MediaType
	WorkflowFamily string
}

type registryDoc struct {
	ActiveToolTypes []string              `json:"active_tool_types"`
	TaskTypes       map[string]Definition `json:"task_types"`
}

// Registry holds the task-type table and the active tool-type set.
type Registry struct {
	defs   map[string]Definition
	active map[string]struct{}
	logger *zap.Logger
}

// Load parses and validates the embedded registry document.
func Load(logger *zap.Logger) (*Registry, error) {
	if err := schemas.ValidateBytes("task_types", registrySchema, registryJSON); err != nil {
		return nil, fmt.Errorf("failed to validate task type registry: %w", err)
	}

	var doc registryDoc
	if err := json.Unmarshal(registryJSON, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse task type registry: %w", err)
	}

	active := make(map[string]struct{}, len(doc.ActiveToolTypes))
	for _, tt := range doc.ActiveToolTypes {
		active[tt] = struct{}{}
	}

	return &Registry{defs: doc.TaskTypes, active: active, logger: logger}, nil
}

// Lookup returns the raw registry entry for a task type.
func (r *Registry) Lookup(taskType string) (Definition, bool) {
	def, ok := r.defs[taskType]
	return def, ok
}

// SegmentTypes returns every task type registered in the segment category,
// sorted for stable queries.
func (r *Registry) SegmentTypes() []string {
	var out []string
	for name, def := range r.defs {
		if def.Category == CategorySegment {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Classify resolves a task type plus optional params override into a
// Classification. An unknown task type is fatal for the completion event.
// A tool-type override is honored only when it names a currently active tool
// type; the content type always comes from the base entry because the
// override is a display label, not a medium selector.
func (r *Registry) Classify(taskType string, p types.Params) (Classification, error) {
	def, ok := r.defs[taskType]
	if !ok {
		return Classification{}, &types.ClassificationError{TaskType: taskType}
	}

	c := Classification{
		Category:       def.Category,
		ToolType:       def.ToolType,
		ContentType:    def.ContentType,
		WorkflowFamily: def.WorkflowFamily,
	}

	if override, ok := params.String(p, params.PathsToolType); ok && override != def.ToolType {
		if _, active := r.active[override]; active {
			c.ToolType = override
		} else {
			r.logger.Warn("ignoring unknown tool_type override",
				zap.String("task_type", taskType),
				zap.String("override", override))
		}
	}

	return c, nil
}

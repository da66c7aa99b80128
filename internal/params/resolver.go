// Package params reads fields out of task parameter documents. Producer
// versions have drifted over time, so the same logical field can live under
// several different paths; every lookup goes through an ordered candidate
// list so the drift knowledge stays in one place.
package params

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/peteromalley/reigh/internal/types"
)

// Canonical path lists, highest priority first. New producer shapes get
// prepended here rather than patched at call sites.
var (
	PathsOrchestratorTaskID = []string{
		"orchestrator_task_id",
		"orchestrator_task_id_ref",
		"orchestrator_details.orchestrator_task_id",
	}
	PathsRunID = []string{
		"orchestrator_run_id",
		"run_id",
		"orchestrator_details.run_id",
	}
	PathsSegmentIndex = []string{
		"segment_index",
		"child_order",
		"index",
		"orchestrator_details.segment_index",
	}
	PathsPairingKey = []string{
		"pair_shot_generation_id",
		"individual_segment_params.pair_shot_generation_id",
	}
	PathsParentGenerationID = []string{
		"parent_generation_id",
		"orchestrator_details.parent_generation_id",
	}
	PathsChildGenerationID = []string{
		"child_generation_id",
	}
	PathsBasedOn = []string{
		"based_on_generation_id",
		"based_on",
		"source_generation_id",
	}
	PathsShotID = []string{
		"shot_id",
		"orchestrator_details.shot_id",
	}
	PathsMakePrimary = []string{
		"make_primary",
		"set_as_primary",
	}
	PathsToolType = []string{
		"tool_type",
	}
	PathsInputImages = []string{
		"input_image_paths",
		"image_paths",
	}
	PathsInputImage = []string{
		"input_image_path",
		"source_image",
	}
	PathsSinglePart = []string{
		"single_segment",
		"is_single_segment",
	}
)

// Resolve walks each dotted path in order and returns the first value found.
func Resolve(p types.Params, paths []string) (any, bool) {
	for _, path := range paths {
		if v, ok := lookup(p, path); ok {
			return v, true
		}
	}
	return nil, false
}

func lookup(p types.Params, path string) (any, bool) {
	var cur any = map[string]any(p)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// String resolves a field as a non-empty string.
func String(p types.Params, paths []string) (string, bool) {
	v, ok := Resolve(p, paths)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// UUID resolves a field as a parseable uuid.
func UUID(p types.Params, paths []string) (uuid.UUID, bool) {
	s, ok := String(p, paths)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Int resolves a field as an int. JSON numbers arrive as float64; some older
// producers wrote numeric strings.
func Int(p types.Params, paths []string) (int, bool) {
	v, ok := Resolve(p, paths)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// Bool resolves a field as a bool, tolerating the string forms older
// producers emitted.
func Bool(p types.Params, paths []string) (bool, bool) {
	v, ok := Resolve(p, paths)
	if !ok {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, false
		}
		return parsed, true
	}
	return false, false
}

// StringList resolves a field as a list of strings, skipping non-string
// elements.
func StringList(p types.Params, paths []string) ([]string, bool) {
	v, ok := Resolve(p, paths)
	if !ok {
		return nil, false
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

// List resolves a field as a raw slice.
func List(p types.Params, paths []string) ([]any, bool) {
	v, ok := Resolve(p, paths)
	if !ok {
		return nil, false
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	return raw, true
}

// Index returns element i of the list at the given paths, if present.
func Index(p types.Params, paths []string, i int) (any, bool) {
	raw, ok := List(p, paths)
	if !ok || i < 0 || i >= len(raw) {
		return nil, false
	}
	return raw[i], true
}

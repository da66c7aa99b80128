package params

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peteromalley/reigh/internal/types"
)

func TestResolve_PriorityOrder(t *testing.T) {
	p := types.Params{
		"orchestrator_task_id":     "top-level",
		"orchestrator_task_id_ref": "legacy-alias",
	}

	v, ok := Resolve(p, PathsOrchestratorTaskID)
	require.True(t, ok)
	assert.Equal(t, "top-level", v, "first path in the list should win")
}

func TestResolve_NestedFallback(t *testing.T) {
	p := types.Params{
		"orchestrator_details": map[string]any{
			"orchestrator_task_id": "nested-value",
			"run_id":               "nested-run",
		},
	}

	v, ok := Resolve(p, PathsOrchestratorTaskID)
	require.True(t, ok)
	assert.Equal(t, "nested-value", v)

	run, ok := String(p, PathsRunID)
	require.True(t, ok)
	assert.Equal(t, "nested-run", run)
}

func TestResolve_PairingKeyDrift(t *testing.T) {
	// Older segment producers nested the pairing key under
	// individual_segment_params.
	p := types.Params{
		"individual_segment_params": map[string]any{
			"pair_shot_generation_id": "pair-123",
		},
	}

	key, ok := String(p, PathsPairingKey)
	require.True(t, ok)
	assert.Equal(t, "pair-123", key)
}

func TestResolve_Missing(t *testing.T) {
	p := types.Params{"unrelated": "x"}

	_, ok := Resolve(p, PathsShotID)
	assert.False(t, ok)

	_, ok = Resolve(nil, PathsShotID)
	assert.False(t, ok)
}

func TestResolve_NullValueSkipped(t *testing.T) {
	p := types.Params{
		"shot_id": nil,
		"orchestrator_details": map[string]any{
			"shot_id": "shot-9",
		},
	}

	v, ok := Resolve(p, PathsShotID)
	require.True(t, ok)
	assert.Equal(t, "shot-9", v, "explicit null should fall through to the next path")
}

func TestString_RejectsEmptyAndNonString(t *testing.T) {
	p := types.Params{"shot_id": ""}
	_, ok := String(p, PathsShotID)
	assert.False(t, ok)

	p = types.Params{"shot_id": 42.0}
	_, ok = String(p, PathsShotID)
	assert.False(t, ok)
}

func TestUUID(t *testing.T) {
	id := uuid.New()
	p := types.Params{"parent_generation_id": id.String()}

	got, ok := UUID(p, PathsParentGenerationID)
	require.True(t, ok)
	assert.Equal(t, id, got)

	p = types.Params{"parent_generation_id": "not-a-uuid"}
	_, ok = UUID(p, PathsParentGenerationID)
	assert.False(t, ok)
}

func TestInt_Forms(t *testing.T) {
	tests := []struct {
		name string
		val  any
		want int
		ok   bool
	}{
		{"float64", 3.0, 3, true},
		{"string", "7", 7, true},
		{"bad string", "seven", 0, false},
		{"bool", true, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := types.Params{"segment_index": tt.val}
			got, ok := Int(p, PathsSegmentIndex)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestBool_StringForms(t *testing.T) {
	p := types.Params{"make_primary": "true"}
	v, ok := Bool(p, PathsMakePrimary)
	require.True(t, ok)
	assert.True(t, v)

	p = types.Params{"set_as_primary": true}
	v, ok = Bool(p, PathsMakePrimary)
	require.True(t, ok)
	assert.True(t, v)
}

func TestStringList_SkipsNonStrings(t *testing.T) {
	p := types.Params{"input_image_paths": []any{"a.png", 1.0, "b.png"}}

	list, ok := StringList(p, PathsInputImages)
	require.True(t, ok)
	assert.Equal(t, []string{"a.png", "b.png"}, list)
}

func TestIndex(t *testing.T) {
	p := types.Params{"base_prompts": []any{"first", "second"}}
	paths := []string{"base_prompts"}

	v, ok := Index(p, paths, 1)
	require.True(t, ok)
	assert.Equal(t, "second", v)

	_, ok = Index(p, paths, 2)
	assert.False(t, ok)

	_, ok = Index(p, paths, -1)
	assert.False(t, ok)
}

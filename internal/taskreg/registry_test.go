package taskreg

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peteromalley/reigh/internal/types"
)

func loadRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Load(zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestRegistryDocument_ValidJSON(t *testing.T) {
	var v any
	require.NoError(t, json.Unmarshal(registryJSON, &v))
	require.NoError(t, json.Unmarshal(registrySchema, &v))
}

func TestLoad_ValidatesAgainstSchema(t *testing.T) {
	_, err := Load(zap.NewNop())
	assert.NoError(t, err)
}

func TestClassify_KnownTypes(t *testing.T) {
	r := loadRegistry(t)

	tests := []struct {
		taskType string
		category Category
		content  types.MediaType
		family   string
	}{
		{"image_generation", CategoryGeneration, types.MediaImage, ""},
		{"travel_orchestrator", CategoryOrchestrator, types.MediaVideo, "travel"},
		{"travel_segment", CategorySegment, types.MediaVideo, "travel"},
		{"travel_stitch", CategoryStitch, types.MediaVideo, "travel"},
		{"join_clips_segment", CategorySegment, types.MediaVideo, "join_clips"},
	}

	for _, tt := range tests {
		t.Run(tt.taskType, func(t *testing.T) {
			c, err := r.Classify(tt.taskType, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.category, c.Category)
			assert.Equal(t, tt.content, c.ContentType)
			assert.Equal(t, tt.family, c.WorkflowFamily)
		})
	}
}

func TestClassify_UnknownTypeFatal(t *testing.T) {
	r := loadRegistry(t)

	_, err := r.Classify("hologram_generation", nil)
	require.Error(t, err)

	var ce *types.ClassificationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "hologram_generation", ce.TaskType)
}

func TestClassify_ActiveOverrideAccepted(t *testing.T) {
	r := loadRegistry(t)

	c, err := r.Classify("video_generation", types.Params{"tool_type": "travel-between-images"})
	require.NoError(t, err)
	assert.Equal(t, "travel-between-images", c.ToolType)
}

func TestClassify_InactiveOverrideIgnored(t *testing.T) {
	r := loadRegistry(t)

	c, err := r.Classify("video_generation", types.Params{"tool_type": "retired-tool"})
	require.NoError(t, err)
	assert.Equal(t, "image-generation", c.ToolType, "unknown override should fall back to the base tool type")
}

func TestClassify_ContentTypeNeverOverridden(t *testing.T) {
	r := loadRegistry(t)

	// travel-between-images is a video tool, but an image task that carries
	// it as a display label must stay an image.
	c, err := r.Classify("image_generation", types.Params{"tool_type": "travel-between-images"})
	require.NoError(t, err)
	assert.Equal(t, types.MediaImage, c.ContentType)
	assert.Equal(t, "travel-between-images", c.ToolType)
}

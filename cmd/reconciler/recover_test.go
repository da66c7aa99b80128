package main

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peteromalley/reigh/internal/types"
)

func dumpRow(id string, idx int, status, output, createdAt string, extra types.Params) dumpTask {
	p := types.Params{"segment_index": idx}
	for k, v := range extra {
		p[k] = v
	}
	return dumpTask{
		ID:             id,
		Status:         status,
		OutputLocation: output,
		CreatedAt:      createdAt,
		Params:         p,
	}
}

func TestAnalyzeDumpGroupsBySegment(t *testing.T) {
	parentID := uuid.New()
	projectID := uuid.New()

	tasks := []dumpTask{
		dumpRow("t1", 0, "Complete", "s3://a.mp4", "2026-08-01T10:00:00Z", types.Params{
			"parent_generation_id": parentID.String(),
			"project_id":           projectID.String(),
		}),
		dumpRow("t2", 1, "Complete", "s3://b.mp4", "2026-08-01T11:00:00Z", nil),
		dumpRow("t3", 0, "Complete", "s3://a2.mp4", "2026-08-02T09:00:00Z", nil),
		// No segment index, ignored.
		{ID: "t4", Status: "Complete", Params: types.Params{}},
	}

	a, err := analyzeDump(tasks)
	require.NoError(t, err)

	assert.Equal(t, parentID, a.ParentGenerationID)
	assert.Equal(t, projectID, a.ProjectID)
	require.Len(t, a.Segments, 2)
	require.Len(t, a.Segments[0], 2)

	// Newest first within a segment.
	assert.Equal(t, "t3", a.Segments[0][0].ID)
	assert.Equal(t, "t1", a.Segments[0][1].ID)
}

func TestAnalyzeDumpEmpty(t *testing.T) {
	_, err := analyzeDump([]dumpTask{{ID: "t1", Params: types.Params{}}})
	assert.Error(t, err)
}

func TestBestOutputSkipsIncomplete(t *testing.T) {
	tasks := []dumpTask{
		dumpRow("newest-failed", 0, "Failed", "", "2026-08-03T00:00:00Z", nil),
		dumpRow("newest-no-output", 0, "Complete", "", "2026-08-02T00:00:00Z", nil),
		dumpRow("winner", 0, "Complete", "s3://v1.mp4", "2026-08-01T00:00:00Z", nil),
	}

	best, ok := bestOutput(tasks)
	require.True(t, ok)
	assert.Equal(t, "winner", best.ID)

	_, ok = bestOutput(tasks[:2])
	assert.False(t, ok)
}

func TestDumpChildID(t *testing.T) {
	childID := uuid.New()
	tasks := []dumpTask{
		dumpRow("t1", 0, "Failed", "", "2026-08-01T00:00:00Z", nil),
		dumpRow("t2", 0, "Complete", "s3://v.mp4", "2026-08-02T00:00:00Z", types.Params{
			"child_generation_id": childID.String(),
		}),
	}

	got, ok := dumpChildID(tasks)
	require.True(t, ok)
	assert.Equal(t, childID, got)

	_, ok = dumpChildID(tasks[:1])
	assert.False(t, ok)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/peteromalley/reigh/internal/db"
	"github.com/peteromalley/reigh/internal/params"
	"github.com/peteromalley/reigh/internal/types"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Rebuild generations for a workflow from a task dump",
	Long: `Recreates generation records that were lost to a cascade delete, from a JSON
dump of the workflow's segment tasks. The parent is recreated first, then each
segment's child generation with one variant per completed task; the newest
completed output becomes each child's primary.`,
	RunE: runRecover,
}

var (
	recoverConfigPath  string
	recoverFromJSON    string
	recoverParentGenID string
	recoverDryRun      bool
	recoverVerbose     bool
)

func init() {
	recoverCmd.Flags().StringVar(&recoverConfigPath, "config", "", "Path to config.json")
	recoverCmd.Flags().StringVar(&recoverFromJSON, "from-json", "", "Path to the task dump JSON file")
	recoverCmd.Flags().StringVar(&recoverParentGenID, "parent-gen-id", "", "Override the parent generation id from the dump")
	recoverCmd.Flags().BoolVar(&recoverDryRun, "dry-run", false, "Report what would be done without writing")
	recoverCmd.Flags().BoolVarP(&recoverVerbose, "verbose", "v", false, "Debug logging")
	_ = recoverCmd.MarkFlagRequired("from-json")

	rootCmd.AddCommand(recoverCmd)
}

// dumpTask is one row of the exported task dump.
type dumpTask struct {
	ID             string       `json:"id"`
	Status         string       `json:"status"`
	OutputLocation string       `json:"output_location"`
	CreatedAt      string       `json:"created_at"`
	Params         types.Params `json:"params"`
}

func (t dumpTask) completed() bool {
	return t.Status == string(types.StatusComplete) && t.OutputLocation != ""
}

func (t dumpTask) childGenerationID() (uuid.UUID, bool) {
	return params.UUID(t.Params, params.PathsChildGenerationID)
}

func (t dumpTask) thumbnailURL() *string {
	if s, ok := params.String(t.Params, []string{"thumbnail_url"}); ok {
		return types.StringPtr(s)
	}
	return nil
}

// dumpAnalysis groups a dump by segment index.
type dumpAnalysis struct {
	ParentGenerationID uuid.UUID
	ProjectID          uuid.UUID
	Segments           map[int][]dumpTask
}

// analyzeDump groups tasks by segment index, newest first within each
// segment, and picks the parent/project ids off the first rows that carry
// them. Tasks without a segment index are ignored.
func analyzeDump(tasks []dumpTask) (*dumpAnalysis, error) {
	a := &dumpAnalysis{Segments: make(map[int][]dumpTask)}

	for _, t := range tasks {
		idx, ok := params.Int(t.Params, params.PathsSegmentIndex)
		if !ok {
			continue
		}
		if a.ParentGenerationID == uuid.Nil {
			if id, ok := params.UUID(t.Params, params.PathsParentGenerationID); ok {
				a.ParentGenerationID = id
			}
		}
		if a.ProjectID == uuid.Nil {
			if id, ok := params.UUID(t.Params, []string{"project_id"}); ok {
				a.ProjectID = id
			}
		}
		a.Segments[idx] = append(a.Segments[idx], t)
	}

	if len(a.Segments) == 0 {
		return nil, fmt.Errorf("dump contains no segment tasks")
	}

	for idx := range a.Segments {
		segTasks := a.Segments[idx]
		sort.Slice(segTasks, func(i, j int) bool {
			return segTasks[i].CreatedAt > segTasks[j].CreatedAt
		})
	}
	return a, nil
}

// bestOutput returns the newest completed task with an output, if any.
// Assumes the slice is already newest-first.
func bestOutput(tasks []dumpTask) (dumpTask, bool) {
	for _, t := range tasks {
		if t.completed() {
			return t, true
		}
	}
	return dumpTask{}, false
}

func runRecover(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	data, err := os.ReadFile(recoverFromJSON)
	if err != nil {
		return fmt.Errorf("failed to read dump: %w", err)
	}
	var tasks []dumpTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		// Tolerate a single-object dump.
		var one dumpTask
		if err2 := json.Unmarshal(data, &one); err2 != nil {
			return fmt.Errorf("failed to parse dump: %w", err)
		}
		tasks = []dumpTask{one}
	}

	analysis, err := analyzeDump(tasks)
	if err != nil {
		return err
	}

	parentID := analysis.ParentGenerationID
	if recoverParentGenID != "" {
		parentID, err = uuid.Parse(recoverParentGenID)
		if err != nil {
			return fmt.Errorf("invalid --parent-gen-id: %w", err)
		}
	}
	if parentID == uuid.Nil {
		return fmt.Errorf("no parent generation id in dump; pass --parent-gen-id")
	}

	fmt.Printf("Parent generation: %s\n", parentID)
	fmt.Printf("Project: %s\n", analysis.ProjectID)
	fmt.Printf("Segments: %d\n", len(analysis.Segments))

	if recoverDryRun {
		for idx, segTasks := range analysis.Segments {
			best, ok := bestOutput(segTasks)
			if !ok {
				fmt.Printf("  segment %d: no completed output, would skip\n", idx)
				continue
			}
			fmt.Printf("  segment %d: %d tasks, would restore from %s\n", idx, len(segTasks), best.ID)
		}
		return nil
	}

	cfg, err := loadCLIConfig(recoverConfigPath, recoverVerbose)
	if err != nil {
		return err
	}
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := recreateParent(ctx, database, parentID, analysis.ProjectID); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)
	for idx, segTasks := range analysis.Segments {
		idx, segTasks := idx, segTasks
		g.Go(func() error {
			return recreateSegment(gCtx, database, parentID, analysis.ProjectID, idx, segTasks)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Println("Recovery complete")
	return nil
}

func recreateParent(ctx context.Context, database *db.DB, parentID, projectID uuid.UUID) error {
	existing, err := database.FindGenerationByID(ctx, parentID)
	if err != nil {
		return err
	}
	if existing != nil {
		fmt.Printf("Parent %s already exists\n", parentID)
		return nil
	}

	_, err = database.InsertGeneration(ctx, &types.Generation{
		ID:        parentID,
		ProjectID: projectID,
		MediaType: types.MediaVideo,
		Params: types.Params{
			"tool_type":    "travel-between-images",
			"created_from": "recovery",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to recreate parent: %w", err)
	}
	fmt.Printf("Recreated parent %s\n", parentID)
	return nil
}

func recreateSegment(ctx context.Context, database *db.DB, parentID, projectID uuid.UUID, idx int, segTasks []dumpTask) error {
	childID, ok := dumpChildID(segTasks)
	if !ok {
		fmt.Printf("  segment %d: no child_generation_id, skipping\n", idx)
		return nil
	}
	best, ok := bestOutput(segTasks)
	if !ok {
		fmt.Printf("  segment %d: no completed output, skipping\n", idx)
		return nil
	}

	existing, err := database.FindGenerationByID(ctx, childID)
	if err != nil {
		return err
	}
	if existing == nil {
		genParams := types.Params{
			"tool_type":     "travel-between-images",
			"created_from":  "recovery",
			"segment_index": idx,
		}
		if key, ok := params.String(best.Params, params.PathsPairingKey); ok {
			genParams["pair_shot_generation_id"] = key
		}

		_, err = database.InsertGeneration(ctx, &types.Generation{
			ID:           childID,
			TaskIDs:      []string{best.ID},
			ProjectID:    projectID,
			MediaType:    types.MediaVideo,
			Location:     types.StringPtr(best.OutputLocation),
			ThumbnailURL: best.thumbnailURL(),
			Params:       genParams,
			ParentID:     &parentID,
			IsChild:      true,
			ChildOrder:   types.IntPtr(idx),
		})
		if err != nil {
			return fmt.Errorf("failed to recreate segment %d: %w", idx, err)
		}
	}

	// One variant per completed task; the newest becomes primary.
	restored := 0
	for _, t := range segTasks {
		if !t.completed() {
			continue
		}
		vp := make(types.Params, len(t.Params)+2)
		for k, v := range t.Params {
			vp[k] = v
		}
		vp["source_task_id"] = t.ID
		vp["created_from"] = "recovery"

		v, err := database.InsertVariant(ctx, &types.Variant{
			ID:           uuid.New(),
			GenerationID: childID,
			Location:     t.OutputLocation,
			ThumbnailURL: t.thumbnailURL(),
			Params:       vp,
			VariantType:  types.VariantSegment,
		})
		if err != nil {
			return fmt.Errorf("failed to restore variant for task %s: %w", t.ID, err)
		}
		if t.ID == best.ID {
			if err := database.PromoteVariant(ctx, childID, v.ID); err != nil {
				return fmt.Errorf("failed to promote restored variant: %w", err)
			}
		}
		restored++
	}

	fmt.Printf("  segment %d: restored %d variants\n", idx, restored)
	return nil
}

func dumpChildID(segTasks []dumpTask) (uuid.UUID, bool) {
	for _, t := range segTasks {
		if id, ok := t.childGenerationID(); ok {
			return id, true
		}
	}
	return uuid.Nil, false
}

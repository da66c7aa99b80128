package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/peteromalley/reigh/internal/db"
	"github.com/peteromalley/reigh/internal/observability"
	"github.com/peteromalley/reigh/internal/params"
	"github.com/peteromalley/reigh/internal/taskreg"
	"github.com/peteromalley/reigh/internal/types"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the reconciliation context for a task",
	Long: `Shows a task's state alongside everything the reconciler knows about it:
the generation it maps to, that generation's variants, and, for segment
tasks, the orchestrator and sibling segments it fans into.`,
	RunE: runInspect,
}

var (
	inspectConfigPath string
	inspectTaskID     string
	inspectJSON       bool
	inspectVerbose    bool
)

func init() {
	inspectCmd.Flags().StringVar(&inspectConfigPath, "config", "", "Path to config.json")
	inspectCmd.Flags().StringVar(&inspectTaskID, "task-id", "", "Task to inspect")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Emit the report as JSON")
	inspectCmd.Flags().BoolVarP(&inspectVerbose, "verbose", "v", false, "Debug logging")
	_ = inspectCmd.MarkFlagRequired("task-id")

	rootCmd.AddCommand(inspectCmd)
}

// inspectReport is the full context for one task.
type inspectReport struct {
	Task         *types.Task       `json:"task"`
	Generation   *types.Generation `json:"generation,omitempty"`
	Variants     []types.Variant   `json:"variants,omitempty"`
	Orchestrator *types.Task       `json:"orchestrator,omitempty"`
	Siblings     []siblingSummary  `json:"siblings,omitempty"`
}

type siblingSummary struct {
	TaskID       uuid.UUID `json:"task_id"`
	Status       string    `json:"status"`
	SegmentIndex *int      `json:"segment_index,omitempty"`
}

func runInspect(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	taskID, err := uuid.Parse(inspectTaskID)
	if err != nil {
		return fmt.Errorf("invalid --task-id: %w", err)
	}

	cfg, err := loadCLIConfig(inspectConfigPath, inspectVerbose)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Verbose, cfg.DevLogging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry, err := taskreg.Load(logger)
	if err != nil {
		return err
	}
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()

	report, err := buildInspectReport(ctx, database, registry, taskID)
	if err != nil {
		return err
	}

	if inspectJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printInspectReport(report)
	return nil
}

func buildInspectReport(ctx context.Context, database *db.DB, registry *taskreg.Registry, taskID uuid.UUID) (*inspectReport, error) {
	task, err := database.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, types.ErrNotFound)
	}
	report := &inspectReport{Task: task}

	gen, err := database.FindGenerationByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if gen != nil {
		report.Generation = gen
		report.Variants, err = database.ListVariants(ctx, gen.ID)
		if err != nil {
			return nil, err
		}
	}

	orchRaw, ok := params.String(task.Params, params.PathsOrchestratorTaskID)
	if !ok {
		return report, nil
	}
	orchID, err := uuid.Parse(orchRaw)
	if err != nil {
		return report, nil
	}
	report.Orchestrator, err = database.GetTask(ctx, orchID)
	if err != nil {
		return nil, err
	}

	runID, ok := params.String(task.Params, params.PathsRunID)
	if !ok {
		return report, nil
	}
	siblings, err := database.ListSegmentTasks(ctx, "orchestrator_run_id", runID, registry.SegmentTypes())
	if err != nil {
		return nil, err
	}
	for _, s := range siblings {
		summary := siblingSummary{TaskID: s.ID, Status: string(s.Status)}
		if idx, ok := params.Int(s.Params, params.PathsSegmentIndex); ok {
			summary.SegmentIndex = types.IntPtr(idx)
		}
		report.Siblings = append(report.Siblings, summary)
	}
	return report, nil
}

func printInspectReport(r *inspectReport) {
	fmt.Printf("Task %s\n", r.Task.ID)
	fmt.Printf("  type:   %s\n", r.Task.TaskType)
	fmt.Printf("  status: %s\n", r.Task.Status)
	if r.Task.OutputLocation != nil {
		fmt.Printf("  output: %s\n", *r.Task.OutputLocation)
	}

	if r.Generation == nil {
		fmt.Println("No generation recorded for this task")
	} else {
		g := r.Generation
		fmt.Printf("Generation %s\n", g.ID)
		if g.Location != nil {
			fmt.Printf("  location: %s\n", *g.Location)
		} else {
			fmt.Println("  location: (placeholder)")
		}
		if g.ParentID != nil {
			order := "?"
			if g.ChildOrder != nil {
				order = fmt.Sprintf("%d", *g.ChildOrder)
			}
			fmt.Printf("  parent:   %s (child %s)\n", *g.ParentID, order)
		}
		fmt.Printf("  variants: %d\n", len(r.Variants))
		for _, v := range r.Variants {
			marker := " "
			if v.IsPrimary {
				marker = "*"
			}
			fmt.Printf("  %s %s  %-20s %s\n", marker, v.ID, v.VariantType, v.Location)
		}
	}

	if r.Orchestrator != nil {
		fmt.Printf("Orchestrator %s (%s)\n", r.Orchestrator.ID, r.Orchestrator.Status)
	}
	if len(r.Siblings) > 0 {
		fmt.Printf("Siblings (%d)\n", len(r.Siblings))
		for _, s := range r.Siblings {
			idx := "?"
			if s.SegmentIndex != nil {
				idx = fmt.Sprintf("%d", *s.SegmentIndex)
			}
			fmt.Printf("  [%s] %s  %s\n", idx, s.TaskID, s.Status)
		}
	}
}

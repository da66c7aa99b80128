package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peteromalley/reigh/internal/config"
	"github.com/peteromalley/reigh/internal/db"
	"github.com/peteromalley/reigh/internal/observability"
	"github.com/peteromalley/reigh/internal/reconcile"
	"github.com/peteromalley/reigh/internal/taskreg"
	"github.com/peteromalley/reigh/internal/types"
)

var completeCmd = &cobra.Command{
	Use:   "complete",
	Short: "Reconcile one completed task into the generation record",
	Long: `Processes a single completion event: decides whether the task's output is a
new generation, a child of a workflow parent, a variant of something that
already exists, or the finishing touch on a parent; then runs the fan-in
monitor if the task was a workflow segment. On success the task is marked
Complete; on failure it is left non-terminal for investigation.`,
	RunE: runComplete,
}

var (
	completeConfigPath string
	completeTaskID     string
	completeLocation   string
	completeThumbnail  string
	completeEventPath  string
	completeVerbose    bool
)

func init() {
	completeCmd.Flags().StringVar(&completeConfigPath, "config", "", "Path to config.json")
	completeCmd.Flags().StringVar(&completeTaskID, "task-id", "", "Completed task id (event built from the stored task row)")
	completeCmd.Flags().StringVar(&completeLocation, "location", "", "Resolved output location")
	completeCmd.Flags().StringVar(&completeThumbnail, "thumbnail", "", "Optional thumbnail URL")
	completeCmd.Flags().StringVar(&completeEventPath, "event", "", "Path to a completion event JSON file (overrides the other flags)")
	completeCmd.Flags().BoolVarP(&completeVerbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(completeCmd)
}

func loadCLIConfig(path string, verbose bool) (*config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if err := loaded.Validate(); err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if verbose {
		cfg.Verbose = true
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL is required (config file or DATABASE_URL)")
	}
	return cfg, nil
}

func newEngine(ctx context.Context, cfg *config.Config) (*reconcile.Engine, *db.DB, *zap.Logger, error) {
	logger, err := observability.NewLogger(cfg.Verbose, cfg.DevLogging)
	if err != nil {
		return nil, nil, nil, err
	}

	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.MigrateOnStart {
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, nil, nil, err
		}
	}

	registry, err := taskreg.Load(logger)
	if err != nil {
		database.Close()
		return nil, nil, nil, err
	}

	return reconcile.New(database, database, registry, logger), database, logger, nil
}

// buildEvent assembles the completion event either from an event file or
// from the stored task row plus the location flag.
func buildEvent(ctx context.Context, database *db.DB) (types.CompletionEvent, error) {
	var ev types.CompletionEvent

	if completeEventPath != "" {
		data, err := os.ReadFile(completeEventPath)
		if err != nil {
			return ev, fmt.Errorf("failed to read event file: %w", err)
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return ev, fmt.Errorf("failed to parse event file: %w", err)
		}
		return ev, nil
	}

	taskID, err := uuid.Parse(completeTaskID)
	if err != nil {
		return ev, fmt.Errorf("invalid --task-id: %w", err)
	}
	if completeLocation == "" {
		return ev, fmt.Errorf("--location is required without --event")
	}

	task, err := database.GetTask(ctx, taskID)
	if err != nil {
		return ev, err
	}
	if task == nil {
		return ev, fmt.Errorf("task %s not found", taskID)
	}

	ev = types.CompletionEvent{
		TaskID:    task.ID,
		TaskType:  task.TaskType,
		Location:  completeLocation,
		Params:    task.Params,
		ProjectID: task.ProjectID,
	}
	if completeThumbnail != "" {
		ev.ThumbnailURL = types.StringPtr(completeThumbnail)
	}
	return ev, nil
}

func runComplete(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg, err := loadCLIConfig(completeConfigPath, completeVerbose)
	if err != nil {
		return err
	}

	engine, database, logger, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	defer func() { _ = logger.Sync() }()

	ev, err := buildEvent(ctx, database)
	if err != nil {
		return err
	}

	outcome, err := engine.HandleCompletion(ctx, ev)
	if err != nil {
		// The task is deliberately left non-terminal: stuck for
		// investigation beats marked done with missing data.
		return fmt.Errorf("reconciliation failed for task %s: %w", ev.TaskID, err)
	}

	logger.Info("reconciled completion",
		zap.String("task_id", ev.TaskID.String()),
		zap.String("action", string(outcome.Action)),
		zap.String("generation_id", outcome.Generation.ID.String()))

	rows, err := database.ConditionalUpdateTaskStatus(ctx, ev.TaskID, types.StatusComplete,
		[]types.TaskStatus{types.StatusQueued, types.StatusInProgress})
	if err != nil {
		return fmt.Errorf("failed to mark task complete: %w", err)
	}
	if rows == 0 {
		logger.Warn("task already terminal, status untouched", zap.String("task_id", ev.TaskID.String()))
	}

	result, err := engine.MonitorFanIn(ctx, ev)
	if err != nil {
		return fmt.Errorf("fan-in monitoring failed: %w", err)
	}
	if result != nil && result.Transitioned {
		fmt.Printf("Orchestrator %s -> %s\n", result.OrchestratorID, result.NewStatus)
	}

	fmt.Printf("Task %s reconciled: %s (generation %s)\n",
		ev.TaskID, outcome.Action, outcome.Generation.ID)
	return nil
}

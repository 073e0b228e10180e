package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/sorabatch/sorabatch/pkg/dispatch"
	"github.com/sorabatch/sorabatch/pkg/genapi"
	"github.com/sorabatch/sorabatch/pkg/ingest"
	"github.com/sorabatch/sorabatch/pkg/jobfile"
	"github.com/sorabatch/sorabatch/pkg/ledger"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and manage the persisted task history",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the persisted task snapshot",
	RunE:  runTasksList,
}

var tasksClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove finished tasks (or everything with --all)",
	RunE:  runTasksClear,
}

var tasksRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Resubmit a task's prompt as a fresh job",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksRetry,
}

var (
	tasksListJSON bool
	tasksClearAll bool
)

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksClearCmd)
	tasksCmd.AddCommand(tasksRetryCmd)

	tasksListCmd.Flags().BoolVar(&tasksListJSON, "json", false, "Emit the snapshot as JSON")
	tasksClearCmd.Flags().BoolVar(&tasksClearAll, "all", false, "Remove every task, not just finished ones")
}

func runTasksList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	store, taskLedger, err := openLedger(cfg)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open state store", err)
	}
	defer store.Close()

	tasks := taskLedger.Snapshot()
	if tasksListJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	}

	if len(tasks) == 0 {
		fmt.Println("no tasks recorded")
		return nil
	}
	for _, t := range tasks {
		line := fmt.Sprintf("#%d  %-7s  %3d%%  %s", t.ID, t.Status, t.Progress, t.PromptSnippet)
		if t.URL != "" {
			line += "  " + t.URL
		}
		if t.NoLink {
			line += "  [no link returned]"
		}
		if t.Message != "" && t.Status != ledger.StatusDone {
			line += "  (" + t.Message + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func runTasksClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	store, taskLedger, err := openLedger(cfg)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open state store", err)
	}
	defer store.Close()

	before := len(taskLedger.Tasks())
	if tasksClearAll {
		taskLedger.ClearAll()
	} else {
		taskLedger.ClearTerminal()
	}
	fmt.Printf("removed %d task(s)\n", before-len(taskLedger.Tasks()))
	return nil
}

func runTasksRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	id, err := strconv.Atoi(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid task id", err)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := cfg.RequireUpstream(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Missing upstream configuration", err)
	}

	store, taskLedger, err := openLedger(cfg)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open state store", err)
	}
	defer store.Close()

	task, ok := taskLedger.Get(id)
	if !ok {
		return exitError(foundry.ExitFileNotFound, "Task not found",
			fmt.Errorf("no task with id %d in the snapshot", id))
	}
	if task.PromptFull == "" {
		return exitError(foundry.ExitInvalidArgument, "Task has no prompt to resubmit",
			errors.New("only prompt-based tasks can be retried"))
	}

	client, err := genapi.NewClient(genapi.Config{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid upstream configuration", err)
	}

	d := dispatch.New(client, taskLedger, nil, dispatch.Options{
		Model:      cfg.Model,
		JobTimeout: cfg.JobTimeout,
		Ingest:     ingest.Config{TrustedHosts: cfg.TrustedHosts},
	})

	stats, runErr := d.Run(ctx, []jobfile.Job{{Prompt: task.PromptFull}}, 1)
	if runErr != nil {
		return exitError(foundry.ExitSignalInt, "retry cancelled", runErr)
	}
	if stats.Errored > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "retry failed",
			fmt.Errorf("task %d resubmission ended in error", id))
	}
	fmt.Println("retry completed")
	return nil
}

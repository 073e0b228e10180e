package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sorabatch/sorabatch/internal/config"
	"github.com/sorabatch/sorabatch/internal/observability"
	"github.com/sorabatch/sorabatch/pkg/archive"
	"github.com/sorabatch/sorabatch/pkg/dispatch"
	"github.com/sorabatch/sorabatch/pkg/genapi"
	"github.com/sorabatch/sorabatch/pkg/ingest"
	"github.com/sorabatch/sorabatch/pkg/jobfile"
	"github.com/sorabatch/sorabatch/pkg/preview"
	"github.com/sorabatch/sorabatch/pkg/statestore"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run one or many generation jobs",
	Long: `Run generation jobs against the configured upstream endpoint.

Jobs come from one of three sources:
  --prompt          a single inline prompt (optionally with --file)
  --prompt-file     a manifest: YAML/JSON jobs, or one prompt per line
  --glob + --prompt the same prompt fanned out across matching files

Example:
  sorabatch generate --prompt "a cat surfing"
  sorabatch generate --prompt-file prompts.txt --concurrency 3
  sorabatch generate --prompt "animate this" --glob 'stills/**/*.png'
  sorabatch generate --prompt "a cat surfing" --archive`,
	RunE: runGenerate,
}

var (
	generatePrompt      string
	generatePromptFile  string
	generateGlob        string
	generateFile        string
	generateConcurrency int
	generateJobTimeout  string
	generateRPS         float64
	generateArchive     bool
)

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVarP(&generatePrompt, "prompt", "p", "", "Inline prompt text")
	generateCmd.Flags().StringVar(&generatePromptFile, "prompt-file", "", "Job manifest or plain prompts file")
	generateCmd.Flags().StringVar(&generateGlob, "glob", "", "Fan --prompt out across files matching this glob")
	generateCmd.Flags().StringVar(&generateFile, "file", "", "Attachment file for a single --prompt job")
	generateCmd.Flags().IntVarP(&generateConcurrency, "concurrency", "c", 0, "Worker cap (default from config)")
	generateCmd.Flags().StringVar(&generateJobTimeout, "job-timeout", "", "Per-job timeout, e.g. 10m (default none)")
	generateCmd.Flags().Float64Var(&generateRPS, "rps", 0, "Job-start rate limit in requests per second")
	generateCmd.Flags().BoolVar(&generateArchive, "archive", false, "Upload resolved media to the configured S3 bucket (default from archive.enabled)")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	applyGenerateOverrides(cfg)
	if generateJobTimeout != "" {
		d, parseErr := time.ParseDuration(generateJobTimeout)
		if parseErr != nil || d < 0 {
			return exitError(foundry.ExitInvalidArgument, "Invalid --job-timeout value",
				fmt.Errorf("expected a duration like 10m: %v", parseErr))
		}
		cfg.JobTimeout = d
	}
	jobs, err := buildJobs()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job input", err)
	}

	store, taskLedger, err := openLedger(cfg)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open state store", err)
	}
	defer store.Close()

	applySavedDefaults(cfg, store.LoadFormState())
	if err := cfg.RequireUpstream(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Missing upstream configuration", err)
	}

	client, err := genapi.NewClient(genapi.Config{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid upstream configuration", err)
	}

	opts := dispatch.Options{
		Model:             cfg.Model,
		JobTimeout:        cfg.JobTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Ingest:            ingest.Config{TrustedHosts: cfg.TrustedHosts},
	}

	if archiveRequested(cfg) {
		if cfg.Archive.Bucket == "" {
			return exitError(foundry.ExitInvalidArgument, "Archive bucket not configured",
				errors.New("set archive.bucket in config or SORABATCH_ARCHIVE_BUCKET"))
		}
		archiver, archErr := archive.New(ctx, archive.Config{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			Profile:         cfg.Archive.Profile,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			ForcePathStyle:  cfg.Archive.ForcePathStyle,
		})
		if archErr != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to configure archive storage", archErr)
		}
		opts.OnResolved = func(taskID int, media ingest.Media) {
			if _, upErr := archiver.Archive(ctx, taskID, media.URL); upErr != nil {
				observability.CLILogger.Warn("Archive upload failed",
					zap.Int("task_id", taskID), zap.Error(upErr))
			}
		}
	}

	previews := preview.NewRegistry()
	d := dispatch.New(client, taskLedger, previews, opts)

	stats, runErr := d.Run(ctx, jobs, cfg.Workers)

	saveFormState(store, cfg.BaseURL, cfg.Model, cfg.Workers)

	fmt.Printf("done=%d errored=%d total=%d\n", stats.Done, stats.Errored, len(jobs))
	for _, entry := range previews.Entries() {
		fmt.Printf("task %d: %s\n", entry.TaskID, entry.URL)
	}

	if runErr != nil {
		return exitError(foundry.ExitSignalInt, "generation cancelled", runErr)
	}
	if stats.Errored > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "generation completed with errors",
			fmt.Errorf("errors=%d", stats.Errored))
	}
	return nil
}

// applyGenerateOverrides layers command flags over the loaded config.
func applyGenerateOverrides(cfg *config.Config) {
	if generateConcurrency > 0 {
		cfg.Workers = generateConcurrency
	}
	if generateRPS > 0 {
		cfg.RequestsPerSecond = generateRPS
	}
}

// archiveRequested reports whether resolved media should be uploaded:
// the --archive flag, or archive.enabled from config when the flag is
// not given.
func archiveRequested(cfg *config.Config) bool {
	return generateArchive || cfg.Archive.Enabled
}

// applySavedDefaults fills in last-used values from a previous run, but
// only where nothing more explicit (flag, env, config file) moved the
// setting off its built-in default.
func applySavedDefaults(cfg *config.Config, saved statestore.FormState) {
	if cfg.BaseURL == "" && saved.BaseURL != "" {
		cfg.BaseURL = saved.BaseURL
	}
	if generateConcurrency == 0 && cfg.Workers == config.DefaultWorkers && saved.Concurrency > 0 {
		cfg.Workers = saved.Concurrency
	}
	if rootModel == "" && cfg.Model == config.DefaultModel && saved.Model != "" {
		cfg.Model = saved.Model
	}
}

func buildJobs() ([]jobfile.Job, error) {
	switch {
	case generatePromptFile != "":
		return jobfile.Load(generatePromptFile)
	case generateGlob != "":
		if generatePrompt == "" {
			return nil, errors.New("--glob requires --prompt")
		}
		return jobfile.ExpandGlob(generatePrompt, generateGlob)
	default:
		job := jobfile.Job{Prompt: generatePrompt, File: generateFile}
		if err := job.Validate(); err != nil {
			return nil, err
		}
		return []jobfile.Job{job}, nil
	}
}

func saveFormState(store *statestore.Store, baseURL, model string, workers int) {
	err := store.SaveFormState(statestore.FormState{
		BaseURL:     baseURL,
		Model:       model,
		Concurrency: workers,
		BatchMode:   batchMode(),
	})
	if err != nil {
		observability.CLILogger.Debug("Form state persist failed", zap.Error(err))
	}
}

func batchMode() string {
	switch {
	case generatePromptFile != "":
		return "multi"
	case generateGlob != "":
		return "glob"
	default:
		return "single"
	}
}

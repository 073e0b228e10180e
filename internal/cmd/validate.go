package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/sorabatch/sorabatch/pkg/genapi"
	"github.com/sorabatch/sorabatch/pkg/validator"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Batch-test access tokens",
	Long: `Test many access tokens against the upstream test endpoint and
aggregate the outcomes.

Token ids come from --ids (comma separated) or --ids-file (one per
line). Concurrency is capped at 6.

Example:
  sorabatch validate --ids tok-1,tok-2,tok-3
  sorabatch validate --ids-file tokens.txt --timeout 60s`,
	RunE: runValidate,
}

var (
	validateIDs         string
	validateIDsFile     string
	validateConcurrency int
	validateTimeout     string
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateIDs, "ids", "", "Comma-separated token ids")
	validateCmd.Flags().StringVar(&validateIDsFile, "ids-file", "", "File with one token id per line")
	validateCmd.Flags().IntVarP(&validateConcurrency, "concurrency", "c", 0, "Worker cap (max 6, default from config)")
	validateCmd.Flags().StringVar(&validateTimeout, "timeout", "", "Per-token timeout, e.g. 60s (default 120s)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := cfg.RequireUpstream(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Missing upstream configuration", err)
	}

	ids, err := collectTokenIDs()
	if err != nil {
		return err
	}

	client, err := genapi.NewClient(genapi.Config{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid upstream configuration", err)
	}

	concurrency := cfg.Validator.Concurrency
	if validateConcurrency > 0 {
		concurrency = validateConcurrency
	}
	timeout := cfg.Validator.Timeout
	if validateTimeout != "" {
		d, parseErr := time.ParseDuration(validateTimeout)
		if parseErr != nil || d <= 0 {
			return exitError(foundry.ExitInvalidArgument, "Invalid --timeout value",
				fmt.Errorf("expected a duration like 60s: %v", parseErr))
		}
		timeout = d
	}

	v := validator.New(client, validator.Options{
		Concurrency: concurrency,
		Timeout:     timeout,
		OnProgress: func(completed, total int) {
			fmt.Printf("\rtested %d/%d", completed, total)
			if completed == total {
				fmt.Println()
			}
		},
	})

	summary := v.Run(ctx, ids)

	fmt.Printf("ok=%d fail=%d\n", summary.OK, summary.Fail)
	for category, n := range summary.FailuresByCategory {
		fmt.Printf("  %s: %d\n", category, n)
	}
	if summary.FirstFailure != "" {
		fmt.Printf("first failure: %s\n", summary.FirstFailure)
	}

	if ctx.Err() != nil {
		return exitError(foundry.ExitSignalInt, "validation cancelled", ctx.Err())
	}
	return nil
}

func collectTokenIDs() ([]string, error) {
	var ids []string
	if validateIDs != "" {
		for _, id := range strings.Split(validateIDs, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if validateIDsFile != "" {
		data, err := os.ReadFile(validateIDsFile)
		if err != nil {
			return nil, exitError(foundry.ExitFileReadError, "Failed to read ids file", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				ids = append(ids, line)
			}
		}
	}
	if len(ids) == 0 {
		return nil, exitError(foundry.ExitInvalidArgument, "No token ids given",
			errors.New("pass --ids or --ids-file"))
	}
	return ids, nil
}

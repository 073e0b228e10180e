// Package cmd implements the sorabatch command line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sorabatch/sorabatch/internal/config"
	"github.com/sorabatch/sorabatch/internal/observability"
	"github.com/sorabatch/sorabatch/pkg/ledger"
	"github.com/sorabatch/sorabatch/pkg/statestore"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	rootBaseURL string
	rootAPIKey  string
	rootModel   string
	rootDataDir string
	rootVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "sorabatch",
	Short: "Batch media generation and token validation",
	Long: `sorabatch drives batch media generation against a streaming
chat-completions endpoint and batch-validates access tokens.

Task history survives restarts: interrupted tasks are recovered as
stalled and can be resubmitted with "sorabatch tasks retry".`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger(versionInfo.Version, rootVerbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootBaseURL, "base-url", "", "Upstream deployment URL (or SORABATCH_BASE_URL)")
	rootCmd.PersistentFlags().StringVar(&rootAPIKey, "api-key", "", "Bearer token for upstream calls (or SORABATCH_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&rootModel, "model", "", "Default generation model")
	rootCmd.PersistentFlags().StringVar(&rootDataDir, "data-dir", "", "State directory (default ~/.sorabatch)")
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the CLI with signal-aware cancellation.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer observability.Sync()
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig resolves configuration with root-flag overrides applied
// last.
func loadConfig(ctx context.Context) (*config.Config, error) {
	overrides := map[string]any{}
	if rootBaseURL != "" {
		overrides["base_url"] = rootBaseURL
	}
	if rootAPIKey != "" {
		overrides["api_key"] = rootAPIKey
	}
	if rootModel != "" {
		overrides["model"] = rootModel
	}
	if rootDataDir != "" {
		overrides["data_dir"] = rootDataDir
	}
	if rootVerbose {
		overrides["logging"] = map[string]any{"verbose": true}
	}
	return config.Load(ctx, overrides)
}

// openLedger opens the state store and recovers the persisted task
// snapshot. The caller owns closing the store.
func openLedger(cfg *config.Config) (*statestore.Store, *ledger.Ledger, error) {
	store, err := statestore.Open(cfg.StateDBPath())
	if err != nil {
		return nil, nil, err
	}
	l := ledger.New(statestore.TaskPersister{Store: store})
	l.Restore()
	return store, l, nil
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

var exitCodeRe = regexp.MustCompile(`\(exit code (\d+)\)$`)

// ExitCode extracts the exit code an error carries, defaulting to 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if m := exitCodeRe.FindStringSubmatch(err.Error()); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			return code
		}
	}
	return 1
}

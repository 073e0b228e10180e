package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/sorabatch/sorabatch/internal/server"
	"github.com/sorabatch/sorabatch/internal/server/handlers"
	"github.com/sorabatch/sorabatch/pkg/preview"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the task ledger over HTTP",
	Long: `Expose the persisted task ledger as a JSON API for dashboard
embedding: /api/tasks, /api/tasks/counts, /api/previews, /health,
/version.`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	store, taskLedger, err := openLedger(cfg)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open state store", err)
	}
	defer store.Close()

	health := handlers.NewHealthManager(versionInfo.Version)
	health.RegisterChecker("state", store)

	srv := server.New(server.Options{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Version:         versionInfo.Version,
		Commit:          versionInfo.Commit,
		Ledger:          taskLedger,
		Previews:        preview.NewRegistry(),
		Health:          health,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	if err := srv.Run(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}

package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"insightstream/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the pipeline workers and the resume sweeper",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}

	a, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize", "err", err)
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("error during close", "err", err)
		}
	}()

	ctx, stop := signalContext()
	defer stop()

	slog.Info("insightstream started")
	return a.Run(ctx)
}

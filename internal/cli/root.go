package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"insightstream/internal/app"
	"insightstream/internal/config"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "insightstream",
	Short: "Durable AI feedback analysis service",
	Long: `InsightStream ingests customer feedback, classifies it with an LLM, scores it
by category volume and keeps a ranked dashboard of the results.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default is $CONFIG_PATH or config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

// loadConfig reads .env, then the config file, and installs the logger.
// Admin commands skip the LLM checks.
func loadConfig(admin bool) (config.Config, error) {
	_ = godotenv.Load()
	app.SetupLogger(os.Stderr, slog.LevelInfo)

	var (
		cfg config.Config
		err error
	)
	switch {
	case admin && cfgPath != "":
		cfg, err = config.LoadAdminConfigFrom(cfgPath)
	case admin:
		cfg, err = config.LoadAdminConfig()
	case cfgPath != "":
		cfg, err = config.LoadConfigFrom(cfgPath)
	default:
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		slog.Error("failed to load config", "err", err)
		return cfg, err
	}

	level := cfg.SlogLevel()
	if isDebug {
		level = slog.LevelDebug
	}
	app.SetupLogger(os.Stderr, level)
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Package app wires configuration, storage, the classifier, the pipeline and
// the HTTP server into a running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lmittmann/tint"

	"insightstream/internal/config"
	"insightstream/internal/httpapi"
	"insightstream/internal/httpx"
	"insightstream/internal/integrations/llm"
	slackbot "insightstream/internal/integrations/slack"
	"insightstream/internal/pipeline"
	"insightstream/internal/queue"
	"insightstream/internal/storage/sqlite"
)

const shutdownTimeout = 15 * time.Second

// SetupLogger installs a tint handler as the default slog logger.
func SetupLogger(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})))
}

type App struct {
	cfg      config.Config
	store    *sqlite.Store
	queue    queue.Queue
	pipeline *pipeline.Pipeline
	server   *http.Server
}

// New builds every component. Callers must Close the App.
func New(cfg config.Config) (*App, error) {
	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"llm_provider", cfg.LLMProvider,
		"llm_model", cfg.LLMModel,
		"queue_backend", cfg.QueueBackend,
		"workers", cfg.PipelineWorkers,
		"max_attempts", cfg.PipelineMaxAttempts,
		"external_http_timeout", appliedHTTPTimeout,
	)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	slog.Info("database initialized", "path", cfg.DBPath)

	q, err := NewQueue(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	provider, err := llm.NewProvider(cfg)
	if err != nil {
		_ = q.Close()
		_ = store.Close()
		return nil, err
	}
	classifier, err := llm.NewClassifierFromPaths(provider, cfg.LLMGlossaryPath)
	if err != nil {
		_ = q.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to load glossary: %w", err)
	}

	p := pipeline.New(store, classifier, q, NewNotifier(cfg), pipeline.ConfigFrom(cfg))
	router := httpapi.NewRouter(&httpapi.App{Store: store, Pipeline: p}, cfg.CORSAllowedOrigins)

	return &App{
		cfg:      cfg,
		store:    store,
		queue:    q,
		pipeline: p,
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// NewQueue opens the configured delivery queue.
func NewQueue(cfg config.Config) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case "redis":
		q, err := queue.NewRedis(queue.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			Key:      cfg.RedisQueueKey,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("using redis queue", "key", cfg.RedisQueueKey)
		return q, nil
	default:
		slog.Info("using memory queue", "capacity", cfg.QueueCapacity)
		return queue.NewMemory(cfg.QueueCapacity), nil
	}
}

// NewNotifier returns the Slack notifier when alerts are configured and a
// log-only notifier otherwise.
func NewNotifier(cfg config.Config) pipeline.Notifier {
	if cfg.SlackAlertsConfigured() {
		slog.Info("abandoned-run alerts go to slack", "channel", cfg.SlackAlertChannelID)
		return slackbot.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannelID)
	}
	return pipeline.LogNotifier{}
}

// Run serves HTTP, runs the workers and the resume sweeper until ctx is
// cancelled, then shuts everything down in order.
func (a *App) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	if err := a.pipeline.StartSweeper(workCtx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.pipeline.Run(workCtx); err != nil {
			slog.Error("pipeline stopped", "err", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "err", err)
	}

	// Workers finish their current step before returning.
	cancelWork()
	wg.Wait()
	return runErr
}

func (a *App) Close() error {
	qErr := a.queue.Close()
	sErr := a.store.Close()
	return errors.Join(qErr, sErr)
}

// Package pipeline runs the durable feedback analysis workflow:
// ai-analysis, calculate-volume and save-to-db, checkpointed per step on the
// WorkflowRun so a crashed or retried run resumes where it stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"insightstream/internal/config"
	"insightstream/internal/domain"
	"insightstream/internal/metrics"
	"insightstream/internal/queue"
	"insightstream/internal/storage/sqlite"
)

var (
	ErrEmptyText       = errors.New("feedback text is required")
	ErrRunAbandoned    = errors.New("run abandoned")
	ErrRunNotAbandoned = errors.New("run is not abandoned")
)

// Store is the persistence the pipeline needs. *sqlite.Store implements it.
type Store interface {
	Submit(ctx context.Context, id, text string, createdAt time.Time) (domain.WorkflowRun, error)
	UpdateFinal(ctx context.Context, id string, res domain.FinalResult) error
	CountByCategory(ctx context.Context, category, excludeID string) (int, error)

	GetRun(ctx context.Context, id string) (domain.WorkflowRun, error)
	ClaimRun(ctx context.Context, id, owner string, lease time.Duration) (domain.WorkflowRun, bool, error)
	ExtendLease(ctx context.Context, id, owner string, lease time.Duration) error
	ReleaseLease(ctx context.Context, id, owner string) error
	CompleteStep(ctx context.Context, id, owner, step string, out domain.StepOutput) error
	RecordFailure(ctx context.Context, id, owner, step, errMsg string, nextAttemptAt time.Time) (int, error)
	Abandon(ctx context.Context, id, owner, errMsg string) error
	Revive(ctx context.Context, id string) (domain.WorkflowRun, error)
	ListResumable(ctx context.Context, idleSince time.Time, limit int) ([]string, error)
	PruneCompleted(ctx context.Context, cutoff time.Time) (int64, error)
}

// Classifier never fails; a broken backend yields the fallback result.
type Classifier interface {
	Classify(ctx context.Context, text string) domain.ClassificationResult
}

type Config struct {
	Workers     int
	MaxAttempts int
	StepTimeout time.Duration
	Lease       time.Duration
	Retry       RetryPolicy

	ResumeSchedule   string
	ResumeGrace      time.Duration
	ArchiveRetention time.Duration
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Workers:     cfg.PipelineWorkers,
		MaxAttempts: cfg.PipelineMaxAttempts,
		StepTimeout: cfg.StepTimeout(),
		Lease:       cfg.PipelineLease(),
		Retry: RetryPolicy{
			InitialDelay: cfg.InitialBackoff(),
			MaxDelay:     cfg.MaxBackoff(),
			Multiplier:   cfg.PipelineBackoffMultiplier,
		},
		ResumeSchedule:   cfg.PipelineResumeSchedule,
		ResumeGrace:      cfg.ResumeGrace(),
		ArchiveRetention: cfg.ArchiveRetention(),
	}
}

func (c *Config) applyDefaults() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 5
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 60 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = c.StepTimeout + c.Retry.MaxDelay + time.Minute
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = time.Second
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		c.Retry.MaxDelay = c.Retry.InitialDelay
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = 2
	}
	if c.ResumeSchedule == "" {
		c.ResumeSchedule = "* * * * *"
	}
}

type Pipeline struct {
	store      Store
	classifier Classifier
	queue      queue.Queue
	notifier   Notifier
	cfg        Config
	now        func() time.Time
}

func New(store Store, classifier Classifier, q queue.Queue, notifier Notifier, cfg Config) *Pipeline {
	cfg.applyDefaults()
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Pipeline{
		store:      store,
		classifier: classifier,
		queue:      q,
		notifier:   notifier,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Submit records a PENDING feedback item with its run and hands the run to
// the queue. A failed enqueue is logged only: the run is already durable and
// the resume sweeper will pick it up.
func (p *Pipeline) Submit(ctx context.Context, text string) (domain.WorkflowRun, error) {
	if strings.TrimSpace(text) == "" {
		return domain.WorkflowRun{}, ErrEmptyText
	}
	id := uuid.NewString()
	run, err := p.store.Submit(ctx, id, text, p.now())
	if err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("submit feedback: %w", err)
	}
	metrics.FeedbackSubmitted.Inc()
	slog.Info("feedback submitted", "run_id", run.ID, "size", len(text))
	p.enqueue(ctx, run.ID)
	return run, nil
}

// Retry revives an abandoned run and queues it again.
func (p *Pipeline) Retry(ctx context.Context, id string) (domain.WorkflowRun, error) {
	run, err := p.store.Revive(ctx, id)
	if errors.Is(err, sqlite.ErrNotAbandoned) {
		return domain.WorkflowRun{}, fmt.Errorf("run %s: %w", id, ErrRunNotAbandoned)
	}
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	slog.Info("run revived", "run_id", id, "state", run.State)
	p.enqueue(ctx, id)
	return run, nil
}

func (p *Pipeline) enqueue(ctx context.Context, id string) {
	if p.queue == nil {
		return
	}
	if err := p.queue.Enqueue(ctx, id); err != nil {
		metrics.QueueEnqueueErrors.Inc()
		slog.Warn("enqueue failed, run left for the resume sweeper", "run_id", id, "err", err)
	}
}

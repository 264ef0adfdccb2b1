package pipeline

import (
	"context"
	"log/slog"

	"insightstream/internal/domain"
)

// Notifier reports runs that exhausted their retry budget.
type Notifier interface {
	RunAbandoned(ctx context.Context, run domain.WorkflowRun, step string) error
}

// LogNotifier is used when no alert channel is configured.
type LogNotifier struct{}

func (LogNotifier) RunAbandoned(_ context.Context, run domain.WorkflowRun, step string) error {
	slog.Warn("abandoned run needs attention",
		"run_id", run.ID,
		"feedback_id", run.FeedbackID,
		"step", step,
		"last_error", run.LastError,
	)
	return nil
}

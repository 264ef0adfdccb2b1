package httpapi

import (
	"context"

	"insightstream/internal/domain"
	"insightstream/internal/storage/sqlite"
)

// Store is the read side used by the dashboard and run endpoints.
type Store interface {
	ListFeedback(ctx context.Context) ([]domain.FeedbackItem, error)
	ListRuns(ctx context.Context, filter sqlite.RunFilter) ([]domain.WorkflowRun, error)
	Health(ctx context.Context) error
}

// Pipeline is the write side: ingestion and manual retry.
type Pipeline interface {
	Submit(ctx context.Context, text string) (domain.WorkflowRun, error)
	Retry(ctx context.Context, id string) (domain.WorkflowRun, error)
}

type App struct {
	Store    Store
	Pipeline Pipeline
}

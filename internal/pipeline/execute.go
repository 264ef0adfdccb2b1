package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"insightstream/internal/domain"
	"insightstream/internal/metrics"
	"insightstream/internal/scoring"
	"insightstream/internal/storage/sqlite"
)

var errMissingClassification = errors.New("run has no checkpointed classification")

// Execute drives one run from its current checkpoint to PERSISTED or to
// abandonment. Runs that are terminal, abandoned or leased elsewhere are left
// alone. Cancelling ctx stops the run only between steps.
func (p *Pipeline) Execute(ctx context.Context, runID, owner string) error {
	run, ok, err := p.store.ClaimRun(ctx, runID, owner, p.cfg.Lease)
	if err != nil {
		return fmt.Errorf("claim run %s: %w", runID, err)
	}
	if !ok {
		slog.Debug("run not claimable", "run_id", runID, "state", run.State, "lease_owner", run.LeaseOwner)
		return nil
	}
	if run.StepAttempts == nil {
		run.StepAttempts = map[string]int{}
	}

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()
	defer p.release(ctx, runID, owner)

	p.recordSkipped(run)

	for {
		step, ok := run.State.NextStep()
		if !ok {
			metrics.RunsCompleted.Inc()
			slog.Info("run persisted", "run_id", run.ID, "impact_score", run.ImpactScore)
			return nil
		}

		if run.Attempts(step) >= p.cfg.MaxAttempts {
			p.abandon(ctx, run, owner, step)
			return fmt.Errorf("run %s at %s: %w", run.ID, step, ErrRunAbandoned)
		}

		if err := p.waitUntil(ctx, run.NextAttemptAt); err != nil {
			return err
		}

		started := time.Now()
		next, err := p.runStep(ctx, run, owner, step)
		metrics.StepLatency.WithLabelValues(step).Observe(time.Since(started).Seconds())
		if err == nil {
			metrics.StepAttempts.WithLabelValues(step, "success").Inc()
			slog.Info("step completed",
				"run_id", run.ID,
				"step", step,
				"attempt", run.Attempts(step)+1,
				"state", next.State,
			)
			run = next
			continue
		}

		metrics.StepAttempts.WithLabelValues(step, "failure").Inc()
		if errors.Is(err, sqlite.ErrLeaseLost) {
			slog.Warn("run lease lost, stopping", "run_id", run.ID, "step", step)
			return nil
		}
		run = p.recordFailure(ctx, run, owner, step, err)
	}
}

// runStep executes one attempt of step. The attempt is detached from ctx
// cancellation and bounded by the step timeout, so a shutdown never
// interrupts a step halfway.
func (p *Pipeline) runStep(ctx context.Context, run domain.WorkflowRun, owner, step string) (domain.WorkflowRun, error) {
	stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StepTimeout)
	defer cancel()

	if err := p.store.ExtendLease(stepCtx, run.ID, owner, p.cfg.Lease); err != nil {
		return run, err
	}
	fresh, err := p.store.GetRun(stepCtx, run.ID)
	if err != nil {
		return run, err
	}
	// Keep the in-memory failure bookkeeping; the row may lag if a
	// RecordFailure write failed.
	fresh.StepAttempts = mergeAttempts(fresh.StepAttempts, run.StepAttempts)
	if next, _ := fresh.State.NextStep(); next != step {
		metrics.StepSkipped.WithLabelValues(step).Inc()
		return fresh, nil
	}

	var out domain.StepOutput
	switch step {
	case domain.StepAIAnalysis:
		c := p.classifier.Classify(stepCtx, fresh.Text)
		out.Classification = &c
	case domain.StepCalculateVolume:
		if fresh.Classification == nil {
			return run, errMissingClassification
		}
		// Read fresh on every attempt; a retry sees the latest volume.
		count, err := p.store.CountByCategory(stepCtx, fresh.Classification.Category, fresh.ID)
		if err != nil {
			return run, err
		}
		out.CategoryCount = count
		out.ImpactScore = scoring.Score(fresh.Classification.Category, fresh.Classification.BaseScore, count)
	case domain.StepSaveToDB:
		if fresh.Classification == nil {
			return run, errMissingClassification
		}
		if err := p.store.UpdateFinal(stepCtx, fresh.FeedbackID, fresh.Classification.Finalize(fresh.ImpactScore)); err != nil {
			return run, err
		}
	default:
		return run, fmt.Errorf("unknown step %q", step)
	}

	if err := stepCtx.Err(); err != nil {
		return run, fmt.Errorf("step %s: %w", step, err)
	}
	if err := p.store.CompleteStep(stepCtx, fresh.ID, owner, step, out); err != nil {
		return run, err
	}

	fresh.State = domain.StateAfter(step)
	fresh.LastError = ""
	fresh.NextAttemptAt = time.Time{}
	switch step {
	case domain.StepAIAnalysis:
		fresh.Classification = out.Classification
	case domain.StepCalculateVolume:
		fresh.CategoryCount = out.CategoryCount
		fresh.ImpactScore = out.ImpactScore
	}
	return fresh, nil
}

func (p *Pipeline) recordFailure(ctx context.Context, run domain.WorkflowRun, owner, step string, cause error) domain.WorkflowRun {
	attempts := run.Attempts(step) + 1
	next := p.now().Add(p.cfg.Retry.Backoff(attempts))
	if attempts >= p.cfg.MaxAttempts {
		next = time.Time{}
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StepTimeout)
	defer cancel()
	stored, err := p.store.RecordFailure(writeCtx, run.ID, owner, step, cause.Error(), next)
	if err != nil {
		slog.Error("failed to record step failure", "run_id", run.ID, "step", step, "err", err)
	} else if stored > attempts {
		attempts = stored
	}

	slog.Warn("step failed",
		"run_id", run.ID,
		"step", step,
		"attempt", attempts,
		"max_attempts", p.cfg.MaxAttempts,
		"retry_at", next,
		"err", cause,
	)

	run.StepAttempts = mergeAttempts(run.StepAttempts, map[string]int{step: attempts})
	run.LastError = cause.Error()
	run.NextAttemptAt = next
	return run
}

func (p *Pipeline) abandon(ctx context.Context, run domain.WorkflowRun, owner, step string) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StepTimeout)
	defer cancel()

	if err := p.store.Abandon(writeCtx, run.ID, owner, run.LastError); err != nil {
		slog.Error("failed to mark run abandoned", "run_id", run.ID, "err", err)
	}
	run.AbandonedAt = p.now()
	metrics.RunsAbandoned.WithLabelValues(step).Inc()
	slog.Error("run abandoned after exhausting retries",
		"run_id", run.ID,
		"step", step,
		"attempts", run.Attempts(step),
		"last_error", run.LastError,
	)
	if err := p.notifier.RunAbandoned(writeCtx, run, step); err != nil {
		slog.Warn("abandonment notification failed", "run_id", run.ID, "err", err)
	}
}

func (p *Pipeline) release(ctx context.Context, id, owner string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.store.ReleaseLease(releaseCtx, id, owner); err != nil {
		slog.Warn("failed to release run lease", "run_id", id, "err", err)
	}
}

func (p *Pipeline) recordSkipped(run domain.WorkflowRun) {
	for _, step := range domain.Steps {
		if next, ok := run.State.NextStep(); !ok || next == step {
			return
		}
		metrics.StepSkipped.WithLabelValues(step).Inc()
		slog.Debug("reusing checkpointed step output", "run_id", run.ID, "step", step)
	}
}

func (p *Pipeline) waitUntil(ctx context.Context, at time.Time) error {
	if at.IsZero() {
		return ctx.Err()
	}
	wait := at.Sub(p.now())
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func mergeAttempts(base, overlay map[string]int) map[string]int {
	out := make(map[string]int, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

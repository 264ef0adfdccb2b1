package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"insightstream/internal/config"
	"insightstream/internal/metrics"
)

// Sweep re-enqueues stalled runs and prunes archived ones. Stalled means not
// terminal, not abandoned, no live lease and idle for longer than the resume
// grace period.
func (p *Pipeline) Sweep(ctx context.Context) (resumed int, pruned int64, err error) {
	now := p.now()
	ids, err := p.store.ListResumable(ctx, now.Add(-p.cfg.ResumeGrace), 0)
	if err != nil {
		return 0, 0, err
	}
	for _, id := range ids {
		if p.queue == nil {
			break
		}
		if err := p.queue.Enqueue(ctx, id); err != nil {
			metrics.QueueEnqueueErrors.Inc()
			slog.Warn("sweeper could not enqueue run", "run_id", id, "err", err)
			continue
		}
		resumed++
	}
	metrics.RunsResumed.Add(float64(resumed))

	if p.cfg.ArchiveRetention > 0 {
		pruned, err = p.store.PruneCompleted(ctx, now.Add(-p.cfg.ArchiveRetention))
		if err != nil {
			return resumed, 0, err
		}
	}
	if resumed > 0 || pruned > 0 {
		slog.Info("sweep complete", "resumed", resumed, "pruned", pruned)
	}
	return resumed, pruned, nil
}

// StartSweeper sweeps once immediately and then on the resume schedule until
// ctx is cancelled.
func (p *Pipeline) StartSweeper(ctx context.Context) error {
	sched, err := config.ParseSchedule(p.cfg.ResumeSchedule)
	if err != nil {
		return fmt.Errorf("invalid resume schedule %q: %w", p.cfg.ResumeSchedule, err)
	}
	slog.Info("resume sweeper scheduled", "cron", p.cfg.ResumeSchedule)

	go func() {
		p.sweepLogged(ctx)
		for {
			now := time.Now()
			next := sched.Next(now)
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			p.sweepLogged(ctx)
		}
	}()
	return nil
}

func (p *Pipeline) sweepLogged(ctx context.Context) {
	if _, _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
		slog.Error("sweep failed", "err", err)
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"insightstream/internal/queue"
)

// Run starts the worker pool and blocks until ctx is cancelled or the queue
// is closed. In-flight steps finish before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.queue == nil {
		return errors.New("pipeline has no queue")
	}
	instance := instanceID()
	slog.Info("pipeline workers starting", "workers", p.cfg.Workers, "instance", instance)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		owner := fmt.Sprintf("%s/%d", instance, i)
		go func() {
			defer wg.Done()
			p.work(ctx, owner)
		}()
	}
	wg.Wait()
	slog.Info("pipeline workers stopped")
	return nil
}

func (p *Pipeline) work(ctx context.Context, owner string) {
	for {
		id, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			slog.Error("dequeue failed", "worker", owner, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		err = p.Execute(ctx, id, owner)
		switch {
		case err == nil:
		case errors.Is(err, ErrRunAbandoned):
			// Already logged and reported.
		case errors.Is(err, context.Canceled):
			slog.Info("run paused at step boundary", "run_id", id, "worker", owner)
		default:
			slog.Error("run execution failed", "run_id", id, "worker", owner, "err", err)
		}
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "host"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

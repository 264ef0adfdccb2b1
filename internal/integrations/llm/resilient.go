package llm

import (
	"context"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/felixgeelhaar/fortify/timeout"
)

type ResilienceConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	// Timeout bounds the whole call including its retries.
	Timeout time.Duration
}

// ResilientProvider retries transient backend failures and bounds the total
// time a classification may block.
type ResilientProvider struct {
	inner Completer
	cfg   ResilienceConfig
}

func NewResilientProvider(inner Completer, cfg ResilienceConfig) *ResilientProvider {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ResilientProvider{inner: inner, cfg: cfg}
}

func (p *ResilientProvider) Name() string {
	return p.inner.Name()
}

func (p *ResilientProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (Completion, error) {
	r := retry.New[Completion](retry.Config{
		MaxAttempts:   p.cfg.MaxAttempts,
		InitialDelay:  p.cfg.InitialDelay,
		BackoffPolicy: retry.BackoffExponential,
	})
	t := timeout.New[Completion](timeout.Config{
		DefaultTimeout: p.cfg.Timeout,
	})

	return t.Execute(ctx, p.cfg.Timeout, func(ctx context.Context) (Completion, error) {
		return r.Do(ctx, func(ctx context.Context) (Completion, error) {
			return p.inner.Complete(ctx, systemPrompt, userPrompt)
		})
	})
}

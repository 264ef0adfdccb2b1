// Package queue delivers run ids to pipeline workers. A queue is only a
// delivery hint: losing an id delays a run until the resume sweeper finds it.
package queue

import (
	"context"
	"errors"
)

var (
	ErrFull   = errors.New("queue full")
	ErrClosed = errors.New("queue closed")
)

type Queue interface {
	Enqueue(ctx context.Context, runID string) error
	// Dequeue blocks until an id is available, ctx is done or the queue is
	// closed.
	Dequeue(ctx context.Context) (string, error)
	Close() error
}

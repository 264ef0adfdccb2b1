package queue

import (
	"context"
	"sync"
)

// Memory is an in-process bounded queue. An id already waiting in the buffer
// is not queued a second time.
type Memory struct {
	items chan string
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	pending map[string]struct{}
}

func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory{
		items:   make(chan string, capacity),
		done:    make(chan struct{}),
		pending: make(map[string]struct{}, capacity),
	}
}

// Enqueue never blocks; a full buffer returns ErrFull.
func (m *Memory) Enqueue(ctx context.Context, runID string) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[runID]; ok {
		return nil
	}
	select {
	case m.items <- runID:
		m.pending[runID] = struct{}{}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrFull
	}
}

func (m *Memory) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-m.items:
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return id, nil
	case <-m.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Memory) Len() int {
	return len(m.items)
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

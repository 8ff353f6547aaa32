package tasks

import (
	"context"
	"sync"
)

// Memory is an unbounded in-process queue.
type Memory struct {
	mu      sync.Mutex
	pending []Task
	notify  chan struct{}
	seen    []Task
}

func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{}, 1)}
}

func (m *Memory) Enqueue(_ context.Context, t Task) error {
	m.mu.Lock()
	m.pending = append(m.pending, t)
	m.seen = append(m.seen, t)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) pop() (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return Task{}, false
	}
	t := m.pending[0]
	m.pending = m.pending[1:]
	return t, true
}

func (m *Memory) Next(ctx context.Context) (Delivery, error) {
	for {
		if t, ok := m.pop(); ok {
			return Delivery{Task: t}, nil
		}
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-m.notify:
		}
	}
}

func (m *Memory) Close() error { return nil }

// Drain hands every pending task to fn, including tasks enqueued while
// draining, and returns how many were processed.
func (m *Memory) Drain(ctx context.Context, fn func(context.Context, Task) error) int {
	n := 0
	for {
		t, ok := m.pop()
		if !ok {
			return n
		}
		_ = fn(ctx, t)
		n++
	}
}

// Enqueued returns every task ever enqueued with the given name.
func (m *Memory) Enqueued(name string) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.seen {
		if t.Name == name {
			out = append(out, t)
		}
	}
	return out
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

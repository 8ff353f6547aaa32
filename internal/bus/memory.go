package bus

import (
	"context"
	"sync"
)

// Delivery is a message recorded by Memory.
type Delivery struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

type subscription struct {
	pattern string
	h       Handler
}

// Memory is an in-process topic bus. Publish delivers synchronously to every
// subscription whose pattern matches.
type Memory struct {
	mu        sync.Mutex
	subs      []subscription
	published []Delivery
	failures  []error
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Subscribe(pattern string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, subscription{pattern: pattern, h: h})
}

// FailNext makes the next len(errs) publishes return the given errors.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

func (m *Memory) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	m.mu.Lock()
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		m.mu.Unlock()
		return err
	}
	m.published = append(m.published, Delivery{Exchange: exchange, RoutingKey: routingKey, Body: body})
	var targets []Handler
	for _, s := range m.subs {
		if Match(s.pattern, routingKey) {
			targets = append(targets, s.h)
		}
	}
	m.mu.Unlock()

	for _, h := range targets {
		h(ctx, routingKey, body)
	}
	return nil
}

// Published returns the bodies published under routingKey.
func (m *Memory) Published(routingKey string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for _, d := range m.published {
		if d.RoutingKey == routingKey {
			out = append(out, d.Body)
		}
	}
	return out
}

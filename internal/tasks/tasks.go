// Package tasks is the per-service internal work queue that sits behind the
// event dispatcher. Handlers must tolerate redelivery.
package tasks

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Task struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Key keeps tasks for the same entity on one partition.
	Key        string         `json:"key"`
	Payload    map[string]any `json:"payload"`
	Attempt    int            `json:"attempt"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

func New(name, key string, payload map[string]any) Task {
	return Task{
		ID:         uuid.NewString(),
		Name:       name,
		Key:        key,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Queue accepts work.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
}

// Delivery is a received task; Ack marks it consumed.
type Delivery struct {
	Task Task
	ack  func(context.Context) error
}

func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Source yields tasks one at a time.
type Source interface {
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

// Package dispatcher turns inbound bus messages into internal tasks.
//
// Every message is acknowledged by the bus once Handle returns, so nothing
// here may block on or propagate a failure. Consumers behind the task queue
// are idempotent and absorb redelivery.
package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/example/payflow/internal/events"
	"github.com/example/payflow/internal/tasks"
	m "github.com/example/payflow/pkg/metrics"
)

// Routes maps external routing keys to internal task names.
type Routes map[string]string

// keyFields are tried in order to pick the task partition key.
var keyFields = []string{"payment_id", "reference", "loan_id", "account_number", "user_id", "id"}

type Dispatcher struct {
	service string
	routes  Routes
	queue   tasks.Queue
	logger  *zap.Logger
}

func New(service string, routes Routes, q tasks.Queue, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{service: service, routes: routes, queue: q, logger: logger.With(zap.String("component", "dispatcher"))}
}

// Handle has the bus.Handler signature.
func (d *Dispatcher) Handle(ctx context.Context, routingKey string, body []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			m.DispatchedEvents.WithLabelValues(d.service, "panic").Inc()
			d.logger.Error("dispatch panic",
				zap.String("routing_key", routingKey),
				zap.ByteString("body", body),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	task, ok := d.routes[routingKey]
	if !ok {
		m.DispatchedEvents.WithLabelValues(d.service, "unmapped").Inc()
		d.logger.Warn("unmapped routing key", zap.String("routing_key", routingKey))
		return
	}

	msg, err := events.Decode(body)
	if err != nil {
		m.DispatchedEvents.WithLabelValues(d.service, "rejected").Inc()
		d.logger.Error("dispatch failed",
			zap.String("routing_key", routingKey), zap.ByteString("body", body), zap.Error(err))
		return
	}
	if msg.Fallback {
		d.logger.Warn("unrecognised body shape, forwarding raw value",
			zap.String("routing_key", routingKey), zap.ByteString("body", body))
	}

	t := tasks.New(task, partitionKey(msg.Data), msg.Data)
	if err := d.queue.Enqueue(ctx, t); err != nil {
		m.DispatchedEvents.WithLabelValues(d.service, "enqueue_error").Inc()
		d.logger.Error("dispatch failed",
			zap.String("routing_key", routingKey), zap.String("task", task), zap.Error(err))
		return
	}
	m.DispatchedEvents.WithLabelValues(d.service, "routed").Inc()
	d.logger.Info("routed",
		zap.String("routing_key", routingKey), zap.String("task", task),
		zap.String("task_id", t.ID), zap.Bool("legacy", msg.Legacy))
}

func partitionKey(data map[string]any) string {
	for _, f := range keyFields {
		if v, ok := data[f]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

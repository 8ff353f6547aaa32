package bus

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/payflow/internal/events"
	"github.com/example/payflow/internal/retry"
	perr "github.com/example/payflow/pkg/errors"
	m "github.com/example/payflow/pkg/metrics"
)

// Transport is the raw broker operation the publisher retries.
type Transport interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// Publisher wraps payloads in the versioned envelope and publishes them with
// the bounded publish policy. Exhaustion surfaces as a PublishFailure.
type Publisher struct {
	transport Transport
	policy    retry.Policy
	logger    *zap.Logger
}

func NewPublisher(t Transport, policy retry.Policy, logger *zap.Logger) *Publisher {
	return &Publisher{transport: t, policy: policy, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, routingKey string, data any) error {
	env, err := events.NewEnvelope(routingKey, data)
	if err != nil {
		return perr.Publish(routingKey, err)
	}
	body, err := env.Marshal()
	if err != nil {
		return perr.Publish(routingKey, err)
	}

	policy := p.policy
	policy.OnRetry = func(n int, err error) {
		p.logger.Warn("publish retry",
			zap.String("routing_key", routingKey), zap.Int("attempt", n), zap.Error(err))
	}
	exchange := ExchangeFor(routingKey)
	err = policy.Do(ctx, func(ctx context.Context) error {
		if err := p.transport.Publish(ctx, exchange, routingKey, body); err != nil {
			m.PublishAttempts.WithLabelValues(routingKey, "error").Inc()
			return err
		}
		m.PublishAttempts.WithLabelValues(routingKey, "ok").Inc()
		return nil
	})
	if err != nil {
		p.logger.Error("publish failed", zap.String("routing_key", routingKey), zap.Error(err))
		return perr.Publish(fmt.Sprintf("publish %s", routingKey), err)
	}
	p.logger.Debug("published", zap.String("routing_key", routingKey))
	return nil
}

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrChannelClosed = errors.New("amqp delivery channel closed")

// Handler receives one inbound delivery. The message is acknowledged after
// Handler returns, whatever happened inside it.
type Handler func(ctx context.Context, routingKey string, body []byte)

// Client is a RabbitMQ connection with the service topology declared.
type Client struct {
	conn   *amqp.Connection
	topo   Topology
	logger *zap.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

// Dial connects and declares every exchange, queue and binding in topo.
func Dial(url string, topo Topology, logger *zap.Logger) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	c := &Client{conn: conn, topo: topo, logger: logger, pubCh: ch}
	if err := c.declare(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Info("amqp topology declared",
		zap.Int("version", topo.Version),
		zap.Int("exchanges", len(topo.Exchanges)),
		zap.Int("queues", len(topo.Queues)))
	return c, nil
}

func (c *Client) declare(ch *amqp.Channel) error {
	for _, e := range c.topo.Exchanges {
		if err := ch.ExchangeDeclare(e.Name, e.kind(), durable(e.Durable), false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", e.Name, err)
		}
	}
	for _, q := range c.topo.Queues {
		if _, err := ch.QueueDeclare(q.Name, durable(q.Durable), false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
		for _, key := range q.Bindings {
			if err := ch.QueueBind(q.Name, key, q.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind %s to %s/%s: %w", q.Name, q.Exchange, key, err)
			}
		}
	}
	return nil
}

// Publish sends a persistent JSON message.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.pubCh == nil || c.pubCh.IsClosed() {
		ch, err := c.conn.Channel()
		if err != nil {
			return fmt.Errorf("reopen publish channel: %w", err)
		}
		c.pubCh = ch
	}
	return c.pubCh.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Consume reads one queue with manual ack until ctx is done.
func (c *Client) Consume(ctx context.Context, queue string, prefetch int, h Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("consume channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("qos %s: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, c.topo.Service+"@"+queue, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	c.logger.Info("consuming", zap.String("queue", queue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%s: %w", queue, ErrChannelClosed)
			}
			h(ctx, d.RoutingKey, d.Body)
			if err := d.Ack(false); err != nil {
				c.logger.Error("ack failed", zap.String("queue", queue), zap.Error(err))
			}
		}
	}
}

// ConsumeAll runs Consume for every queue in the topology.
func (c *Client) ConsumeAll(ctx context.Context, prefetch int, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range c.topo.Queues {
		queue := q.Name
		g.Go(func() error { return c.Consume(ctx, queue, prefetch, h) })
	}
	return g.Wait()
}

func (c *Client) Close() error {
	return c.conn.Close()
}

package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaQueue publishes tasks to a topic keyed by Task.Key.
type KafkaQueue struct {
	w *kafka.Writer
}

func NewKafkaQueue(brokers []string, topic string) *KafkaQueue {
	return &KafkaQueue{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, t Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.Name, err)
	}
	return q.w.WriteMessages(ctx, kafka.Message{Key: []byte(t.Key), Value: b, Time: time.Now()})
}

func (q *KafkaQueue) Close() error { return q.w.Close() }

// TopicSpec describes a task topic. Payment tasks carry the payer's PIN and
// card data, so their topic is created with a short retention.
type TopicSpec struct {
	Topic       string
	Partitions  int
	Replication int
	Retention   time.Duration
}

func (s TopicSpec) config() kafka.TopicConfig {
	cfg := kafka.TopicConfig{
		Topic:             s.Topic,
		NumPartitions:     max(s.Partitions, 1),
		ReplicationFactor: max(s.Replication, 1),
	}
	if s.Retention > 0 {
		cfg.ConfigEntries = append(cfg.ConfigEntries, kafka.ConfigEntry{
			ConfigName:  "retention.ms",
			ConfigValue: strconv.FormatInt(s.Retention.Milliseconds(), 10),
		})
	}
	return cfg
}

// EnsureTopic creates the topic through the cluster controller. An existing
// topic is left as it is and created is false.
func EnsureTopic(ctx context.Context, brokers []string, spec TopicSpec) (created bool, err error) {
	if len(brokers) == 0 {
		return false, errors.New("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", brokers[0], err)
	}
	defer conn.Close()
	ctrl, err := conn.Controller()
	if err != nil {
		return false, fmt.Errorf("find controller: %w", err)
	}
	cc, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(ctrl.Host, strconv.Itoa(ctrl.Port)))
	if err != nil {
		return false, fmt.Errorf("dial controller: %w", err)
	}
	defer cc.Close()

	err = cc.CreateTopics(spec.config())
	switch {
	case errors.Is(err, kafka.TopicAlreadyExists):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("create topic %s: %w", spec.Topic, err)
	}
	return true, nil
}

// KafkaSource reads a topic as part of a consumer group and commits a message
// only when its Delivery is acked.
type KafkaSource struct {
	r      *kafka.Reader
	logger *zap.Logger
}

func NewKafkaSource(brokers []string, topic, group string, logger *zap.Logger) *KafkaSource {
	return &KafkaSource{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  group,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		logger: logger,
	}
}

func (s *KafkaSource) Next(ctx context.Context) (Delivery, error) {
	for {
		msg, err := s.r.FetchMessage(ctx)
		if err != nil {
			return Delivery{}, err
		}
		var t Task
		if err := json.Unmarshal(msg.Value, &t); err != nil || t.Name == "" {
			s.logger.Error("bad task message, skipping",
				zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
			if err := s.r.CommitMessages(ctx, msg); err != nil {
				return Delivery{}, err
			}
			continue
		}
		return Delivery{Task: t, ack: func(ctx context.Context) error {
			return s.r.CommitMessages(ctx, msg)
		}}, nil
	}
}

func (s *KafkaSource) Close() error { return s.r.Close() }

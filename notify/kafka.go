package notify

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"

	"github.com/warp/remit-engine/ledger"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// recordProducer is the part of *kgo.Client the mirror uses.
type recordProducer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaMirror publishes a copy of every event to a topic for downstream
// consumers (audit, analytics). Records are keyed by target so one
// principal's events stay ordered within a partition.
type KafkaMirror struct {
	client recordProducer
	topic  string
	logger *zap.Logger
}

func NewKafkaMirror(conf KafkaConfig, metrics *kprom.Metrics, logger *zap.Logger) (*KafkaMirror, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(conf.Brokers...),
		kgo.DefaultProduceTopic(conf.Topic),
		kgo.ProducerLinger(0),
	}
	if metrics != nil {
		opts = append(opts, kgo.WithHooks(metrics))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return newKafkaMirror(client, conf.Topic, logger), nil
}

func newKafkaMirror(client recordProducer, topic string, logger *zap.Logger) *KafkaMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaMirror{client: client, topic: topic, logger: logger}
}

// Mirror implements Mirror. Produce is asynchronous; failures are logged.
func (m *KafkaMirror) Mirror(ctx context.Context, target ledger.Target, ev ledger.Event) {
	value, err := ledger.MarshalEvent(ev)
	if err != nil {
		m.logger.Error("failed to encode event for kafka", zap.Error(err))
		return
	}
	rec := &kgo.Record{
		Topic: m.topic,
		Key:   []byte(string(target.Role) + ":" + string(target.UserID)),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event", Value: []byte(ev.Kind)},
		},
	}
	m.client.Produce(context.WithoutCancel(ctx), rec, func(r *kgo.Record, err error) {
		if err != nil {
			m.logger.Warn("failed to mirror event", zap.String("event", string(ev.Kind)), zap.Error(err))
		}
	})
}

// Close flushes buffered records and closes the client.
func (m *KafkaMirror) Close(ctx context.Context) error {
	defer m.client.Close()
	return m.client.Flush(ctx)
}

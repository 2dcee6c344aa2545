package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mirador/chainwatch/internal/model"
)

// KafkaSink produces processed events to a Kafka topic, keyed by event id
// with chain and event type carried as record headers.
type KafkaSink struct {
	brokers []string
	topic   string
	enabled bool

	mu     sync.Mutex
	client *kgo.Client
}

// NewKafkaSink builds a Kafka sink for the given brokers and topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		brokers: brokers,
		topic:   topic,
		enabled: true,
	}
}

func (k *KafkaSink) ID() string    { return "kafka" }
func (k *KafkaSink) Enabled() bool { return k.enabled }

func (k *KafkaSink) connect() (*kgo.Client, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.client != nil {
		return k.client, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.brokers...),
		kgo.DefaultProduceTopic(k.topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: kafka client: %v", model.ErrTransport, err)
	}
	k.client = client
	return client, nil
}

func (k *KafkaSink) Send(ctx context.Context, evt *model.ProcessedEvent) error {
	client, err := k.connect()
	if err != nil {
		return err
	}
	body, err := marshalPubsub(evt)
	if err != nil {
		return fmt.Errorf("marshal kafka payload: %w", err)
	}
	record := &kgo.Record{
		Key:   []byte(evt.Original.ID),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "chain", Value: []byte(evt.Original.Chain)},
			{Key: "event_type", Value: []byte(evt.Original.Kind)},
		},
	}
	if err := client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("%w: kafka produce: %v", model.ErrTransport, err)
	}
	return nil
}

// Close releases the producer. Records are produced synchronously, so
// none are left buffered to flush.
func (k *KafkaSink) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.client == nil {
		return nil
	}
	k.client.Close()
	k.client = nil
	return nil
}

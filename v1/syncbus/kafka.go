package syncbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic carries every notification; the message key is the bus
// key. Lock keys contain ':' which Kafka does not allow in topic names.
const DefaultKafkaTopic = "latch-notifications"

// KafkaBus implements Bus over a single-partition Kafka topic.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client
	topic    string

	f      *fanout
	mu     sync.Mutex
	pc     sarama.PartitionConsumer
	closed bool
}

var _ Bus = (*KafkaBus)(nil)

// NewKafkaBus connects to brokers and returns a KafkaBus publishing on topic.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := NewKafkaBusFrom(producer, consumer, topic)
	b.client = client
	return b, nil
}

// NewKafkaBusFrom builds a KafkaBus on existing producer and consumer.
func NewKafkaBusFrom(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *KafkaBus {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		topic:    topic,
		f:        newFanout(),
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.f.begin(key) {
		return nil
	}
	msg := &sarama.ProducerMessage{
		Topic:     b.topic,
		Partition: 0,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.StringEncoder("1"),
	}
	_, _, err := b.producer.SendMessage(msg)
	b.f.end(key, err)
	if err != nil {
		return fmt.Errorf("syncbus: kafka publish %q: %w", key, err)
	}
	return nil
}

// Subscribe implements Bus.Subscribe. The partition consumer starts with the
// first subscription and reads from the newest offset.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("syncbus: kafka bus closed")
	}
	if b.pc == nil {
		pc, err := b.consumer.ConsumePartition(b.topic, 0, sarama.OffsetNewest)
		if err != nil {
			return nil, fmt.Errorf("syncbus: kafka consume %q: %w", b.topic, err)
		}
		b.pc = pc
		go b.dispatch(pc)
	}
	ch, _ := b.f.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		b.f.deliver(string(msg.Key))
	}
}

// Unsubscribe implements Bus.Unsubscribe. The partition consumer is kept
// until Close since it serves every key.
func (b *KafkaBus) Unsubscribe(_ context.Context, key string, ch chan struct{}) error {
	b.f.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics { return b.f.metrics() }

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var errs []error
	if b.pc != nil {
		errs = append(errs, b.pc.Close())
	}
	errs = append(errs, b.producer.Close(), b.consumer.Close())
	if b.client != nil {
		errs = append(errs, b.client.Close())
	}
	b.f.closeAll()
	return errors.Join(errs...)
}

package broadcast

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	sarama "github.com/IBM/sarama"

	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
)

// DefaultKafkaTopic carries the events of every auction, keyed by auction id
// so that one auction's events stay in one partition.
const DefaultKafkaTopic = "hammer.events"

// Kafka is a Broadcaster on a single Kafka topic. Each process consumes all
// partitions from the newest offset and delivers to its local subscribers.
type Kafka struct {
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	client    io.Closer
	topic     string
	hub       *hub
	logger    *slog.Logger
	consumers []sarama.PartitionConsumer
}

// NewKafka connects to brokers and starts consuming topic.
func NewKafka(brokers []string, cfg *sarama.Config, topic string, opts ...Option) (*Kafka, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, hammererrors.Wrap(err, "kafka client")
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, hammererrors.Wrap(err, "kafka producer")
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, hammererrors.Wrap(err, "kafka consumer")
	}
	partitions, err := consumer.Partitions(topic)
	if err != nil {
		_ = consumer.Close()
		_ = producer.Close()
		_ = client.Close()
		return nil, hammererrors.Wrap(err, "kafka partitions")
	}
	return newKafka(producer, consumer, client, topic, partitions, opts)
}

// NewKafkaFromClients builds a Kafka broadcaster on existing clients and
// starts consuming the given partitions of topic.
// The caller keeps ownership of the client behind them.
func NewKafkaFromClients(producer sarama.SyncProducer, consumer sarama.Consumer, topic string, partitions []int32, opts ...Option) (*Kafka, error) {
	return newKafka(producer, consumer, nil, topic, partitions, opts)
}

// newKafka starts consuming partitions. A non-nil client is owned by the
// broadcaster and closed after the producer and consumer built on it.
func newKafka(producer sarama.SyncProducer, consumer sarama.Consumer, client io.Closer, topic string, partitions []int32, opts []Option) (*Kafka, error) {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	o := buildOptions(opts)
	b := &Kafka{
		producer: producer,
		consumer: consumer,
		client:   client,
		topic:    topic,
		hub:      newHub(o.buffer),
		logger:   slog.Default(),
	}
	for _, p := range partitions {
		pc, err := consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
		if err != nil {
			_ = b.Close()
			return nil, hammererrors.Wrapf(err, "consume partition %d", p)
		}
		b.consumers = append(b.consumers, pc)
		go b.dispatch(pc)
	}
	return b, nil
}

func (b *Kafka) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		var e Event
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			b.logger.Warn("discarding malformed event", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			continue
		}
		b.hub.deliver(e)
	}
}

// Publish implements Broadcaster.Publish.
func (b *Kafka) Publish(ctx context.Context, auctionID string, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.AuctionID = auctionID
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(auctionID),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return hammererrors.Wrapf(err, "publish %s", auctionID)
	}
	return nil
}

// Subscribe implements Broadcaster.Subscribe.
func (b *Kafka) Subscribe(ctx context.Context, auctionID string) (<-chan Event, error) {
	ch, _ := b.hub.add(auctionID)
	go func() {
		<-ctx.Done()
		b.hub.remove(auctionID, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Broadcaster.Unsubscribe.
func (b *Kafka) Unsubscribe(ctx context.Context, auctionID string, ch <-chan Event) error {
	b.hub.remove(auctionID, ch)
	return nil
}

// Close stops consuming and closes the producer, the consumer and, when the
// broadcaster created it, the underlying client.
func (b *Kafka) Close() error {
	for _, pc := range b.consumers {
		_ = pc.Close()
	}
	b.hub.closeAll()
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	var clerr error
	if b.client != nil {
		clerr = b.client.Close()
	}
	switch {
	case cerr != nil:
		return cerr
	case perr != nil:
		return perr
	}
	return clerr
}

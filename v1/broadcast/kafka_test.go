package broadcast

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestKafkaPublishKeysByAuction(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var e Event
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		if e.AuctionID != "a1" || e.Version != 2 {
			t.Errorf("unexpected payload %+v", e)
		}
		return nil
	})
	consumer := mocks.NewConsumer(t, cfg)
	consumer.ExpectConsumePartition(DefaultKafkaTopic, 0, sarama.OffsetNewest)

	b, err := NewKafkaFromClients(producer, consumer, "", []int32{0})
	if err != nil {
		t.Fatalf("new kafka: %v", err)
	}
	if err := b.Publish(context.Background(), "a1", bidEvent("a1", 2, 120)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type closeCounter struct{ closed int }

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestKafkaCloseReleasesOwnedClient(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	consumer := mocks.NewConsumer(t, cfg)
	consumer.ExpectConsumePartition(DefaultKafkaTopic, 0, sarama.OffsetNewest)
	client := &closeCounter{}

	b, err := newKafka(mocks.NewSyncProducer(t, cfg), consumer, client, DefaultKafkaTopic, []int32{0}, nil)
	if err != nil {
		t.Fatalf("new kafka: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if client.closed != 1 {
		t.Fatalf("expected client closed once, got %d", client.closed)
	}

	// a partition that cannot be consumed still releases the client
	consumer = mocks.NewConsumer(t, cfg)
	consumer.ExpectConsumePartition(DefaultKafkaTopic, 0, sarama.OffsetNewest)
	client = &closeCounter{}
	if _, err := newKafka(mocks.NewSyncProducer(t, cfg), consumer, client, DefaultKafkaTopic, []int32{0, 0}, nil); err == nil {
		t.Fatal("expected consuming a partition twice to fail")
	}
	if client.closed != 1 {
		t.Fatalf("expected client closed on setup failure, got %d", client.closed)
	}
}

func TestKafkaConsumedEventsReachSubscribers(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	consumer := mocks.NewConsumer(t, cfg)
	pc := consumer.ExpectConsumePartition(DefaultKafkaTopic, 0, sarama.OffsetNewest)

	b, err := NewKafkaFromClients(producer, consumer, DefaultKafkaTopic, []int32{0})
	if err != nil {
		t.Fatalf("new kafka: %v", err)
	}
	defer b.Close()

	ch, err := b.Subscribe(context.Background(), "a1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for _, v := range []uint64{3, 2, 4} {
		data, _ := json.Marshal(bidEvent("a1", v, int64(100+v*10)))
		pc.YieldMessage(&sarama.ConsumerMessage{Topic: DefaultKafkaTopic, Key: []byte("a1"), Value: data})
	}
	pc.YieldMessage(&sarama.ConsumerMessage{Topic: DefaultKafkaTopic, Value: []byte("not json")})

	if e := recv(t, ch); e.Version != 3 {
		t.Fatalf("expected version 3, got %d", e.Version)
	}
	if e := recv(t, ch); e.Version != 4 {
		t.Fatalf("expected version 4, got %d", e.Version)
	}
	expectNone(t, ch)
}

func TestKafkaBroadcastIntegration(t *testing.T) {
	addr := os.Getenv("HAMMER_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("HAMMER_TEST_KAFKA_ADDR not set")
	}
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	b, err := NewKafka(strings.Split(addr, ","), cfg, DefaultKafkaTopic)
	if err != nil {
		t.Fatalf("new kafka: %v", err)
	}
	defer b.Close()

	ch, err := b.Subscribe(context.Background(), "a1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Give the partition consumers a moment to settle on the newest offset.
	time.Sleep(500 * time.Millisecond)
	if err := b.Publish(context.Background(), "a1", bidEvent("a1", 2, 120)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case e := <-ch:
		if e.Version != 2 {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for kafka event")
	}
}

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/opensource-finance/ballotwatch/internal/domain"
	"github.com/opensource-finance/ballotwatch/internal/metrics"
)

// KafkaBus implements EventBus on Kafka. Each subscription runs its own
// consumer group member, so several ballotwatch instances share a topic's
// partitions.
type KafkaBus struct {
	mu            sync.Mutex
	producer      *kgo.Client
	brokers       []string
	group         string
	subscriptions map[string]*kafkaSubscription
	closed        bool
}

type kafkaSubscription struct {
	id     string
	topic  string
	client *kgo.Client
	cancel context.CancelFunc
	done   chan struct{}
	bus    *KafkaBus
}

// NewKafkaBus creates a producer client against the configured brokers.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.KafkaConsumerGroup == "" {
		cfg.KafkaConsumerGroup = "ballotwatch"
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := producer.Ping(ctx); err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to reach kafka brokers %v: %w", cfg.KafkaBrokers, err)
	}

	slog.Info("Kafka connected",
		"brokers", cfg.KafkaBrokers,
		"consumer_group", cfg.KafkaConsumerGroup,
	)

	return &KafkaBus{
		producer:      producer,
		brokers:       cfg.KafkaBrokers,
		group:         cfg.KafkaConsumerGroup,
		subscriptions: make(map[string]*kafkaSubscription),
	}, nil
}

// Publish produces one record and waits for the broker acknowledgement.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	data, err := encodeEnvelope(topic, payload)
	if err != nil {
		return err
	}

	record := &kgo.Record{
		Topic:     topic,
		Value:     data,
		Timestamp: time.Now(),
	}
	if err := b.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	metrics.BusMessages.WithLabelValues(topic, "published").Inc()
	return nil
}

// Subscribe joins the consumer group for topic and polls it until the
// subscription or the bus is closed.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumerGroup(b.group+"."+topic),
		kgo.ConsumeTopics(topic),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		client: client,
		cancel: cancel,
		done:   make(chan struct{}),
		bus:    b,
	}
	b.subscriptions[sub.id] = sub

	go sub.poll(subCtx, handler)
	return sub, nil
}

func (s *kafkaSubscription) poll(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)

	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("kafka fetch error",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})
		fetches.EachRecord(func(record *kgo.Record) {
			var msg domain.Message
			if err := json.Unmarshal(record.Value, &msg); err != nil {
				slog.Error("failed to unmarshal kafka record",
					"topic", record.Topic,
					"offset", record.Offset,
					"error", err,
				)
				return
			}

			metrics.BusMessages.WithLabelValues(s.topic, "consumed").Inc()
			if err := handler(ctx, &msg); err != nil {
				slog.Error("handler error",
					"topic", record.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		})
	}
}

// Ping checks broker connectivity.
func (b *KafkaBus) Ping(ctx context.Context) error {
	return b.producer.Ping(ctx)
}

// Close stops every consumer and flushes the producer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*kafkaSubscription, 0, len(b.subscriptions))
	for _, s := range b.subscriptions {
		subs = append(subs, s)
	}
	b.subscriptions = make(map[string]*kafkaSubscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.producer.Flush(ctx); err != nil {
		slog.Warn("kafka flush failed", "error", err)
	}
	b.producer.Close()
	return nil
}

func (s *kafkaSubscription) stop() {
	s.cancel()
	<-s.done
	s.client.Close()
}

// Unsubscribe leaves the consumer group.
func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	_, ok := s.bus.subscriptions[s.id]
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()

	if ok {
		s.stop()
	}
	return nil
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}

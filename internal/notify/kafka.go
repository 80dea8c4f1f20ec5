package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/logger"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
)

// Kafka publishes notifications to a topic. Each gateway process consumes
// with its own group so every process sees every notification.
type Kafka struct {
	topic         string
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func NewKafka(brokers []string, topic, groupID string) (*Kafka, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "snapper"

	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = kafkaMaxRetries
	cfg.Producer.Return.Successes = true

	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Group.Session.Timeout = 10 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}
	go func() {
		for err := range group.Errors() {
			logger.WarnF("Kafka consumer group error: %v", err)
		}
	}()
	return &Kafka{topic: topic, producer: producer, consumerGroup: group}, nil
}

func (k *Kafka) Notify(ctx context.Context, consumerIDs ...string) error {
	if len(consumerIDs) == 0 {
		return nil
	}
	data, err := encode(consumerIDs)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic:     k.topic,
		Value:     sarama.ByteEncoder(data),
		Timestamp: time.Now(),
	}

	operation := func() error {
		_, _, err := k.producer.SendMessage(msg)
		return err
	}
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)
	return backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		logger.WarnF("Retrying Kafka notification: %v (next attempt in %s)", err, d)
	})
}

func (k *Kafka) Subscribe(ctx context.Context, handler Handler) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	if k.cancel != nil {
		k.cancel()
		<-k.done
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	k.cancel, k.done = cancel, done
	h := &groupHandler{handler: handler, ready: make(chan struct{})}

	go func() {
		defer close(done)
		for ctx.Err() == nil {
			if err := k.consumerGroup.Consume(ctx, []string{k.topic}, h); err != nil {
				logger.ErrorF("Kafka consumer group error: %v", err)
				return
			}
		}
	}()

	select {
	case <-h.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout waiting for Kafka consumer to be ready")
	}
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	if k.cancel != nil {
		k.cancel()
	}

	var errs []error
	if err := k.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
	}
	if err := k.consumerGroup.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close consumer group: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	handler Handler
	ready   chan struct{}
	once    sync.Once
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() { close(h.ready) })
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if ids, ok := decode(msg.Value); ok {
				h.handler(ids)
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

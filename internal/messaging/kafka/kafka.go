package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	kafkaGo "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/kwam1na/athena-sub007/internal/messaging"
)

type Broker struct {
	brokers []string
	writer  *kafkaGo.Writer
	logger  *zap.Logger
}

var (
	_ messaging.Publisher  = (*Broker)(nil)
	_ messaging.Subscriber = (*Broker)(nil)
)

// NewBroker creates a Kafka publisher and subscriber. The writer is shared
// across topics; the topic is set per message.
func NewBroker(brokers []string, logger *zap.Logger) *Broker {
	return &Broker{
		brokers: brokers,
		writer: &kafkaGo.Writer{
			Addr:         kafkaGo.TCP(brokers...),
			Balancer:     &kafkaGo.Hash{},
			RequiredAcks: kafkaGo.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger,
	}
}

func (k *Broker) PublishEvent(ctx context.Context, topic string, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	if err := k.writer.WriteMessages(ctx, kafkaGo.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	}); err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}
	return nil
}

func (k *Broker) Consume(ctx context.Context, topic string, groupID string, handler func(ctx context.Context, payload []byte) error) {
	reader := kafkaGo.NewReader(kafkaGo.ReaderConfig{
		Brokers: k.brokers,
		Topic:   topic,
		GroupID: groupID,
	})
	defer reader.Close()

	c := newConsumer(reader, handler, k.logger.With(zap.String("topic", topic), zap.String("group", groupID)))
	c.run(ctx)
}

// messageReader is the part of *kafka.Reader the consumer loop needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafkaGo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkaGo.Message) error
}

// consumer commits an offset only after the handler accepted the message.
// A failing message is retried with backoff, so handlers must be idempotent.
type consumer struct {
	reader     messageReader
	handler    func(ctx context.Context, payload []byte) error
	logger     *zap.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

func newConsumer(reader messageReader, handler func(ctx context.Context, payload []byte) error, logger *zap.Logger) *consumer {
	return &consumer{
		reader:     reader,
		handler:    handler,
		logger:     logger,
		minBackoff: 200 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

func (c *consumer) run(ctx context.Context) {
	backoff := c.minBackoff
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer shutting down")
				return
			}
			c.logger.Error("read message", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleep(ctx, backoff) {
				return
			}
			backoff = c.next(backoff)
			continue
		}
		backoff = c.minBackoff

		if err := c.process(ctx, msg); err != nil {
			return
		}
	}
}

// process hands msg to the handler until it succeeds, then commits it. It
// returns an error only when ctx ends first; the offset stays uncommitted
// and the message is redelivered.
func (c *consumer) process(ctx context.Context, msg kafkaGo.Message) error {
	backoff := c.minBackoff
	for {
		err := c.handler(ctx, msg.Value)
		if err == nil {
			break
		}
		c.logger.Error("handle message",
			zap.Error(err),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Duration("backoff", backoff),
		)
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = c.next(backoff)
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("commit offset", zap.Error(err), zap.Int64("offset", msg.Offset))
	}
	return nil
}

func (c *consumer) next(backoff time.Duration) time.Duration {
	backoff *= 2
	if backoff > c.maxBackoff {
		return c.maxBackoff
	}
	return backoff
}

func sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (k *Broker) Close() error {
	return k.writer.Close()
}

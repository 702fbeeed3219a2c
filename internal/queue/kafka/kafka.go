package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/ssuji15/taskcompile/internal/config"
	"github.com/ssuji15/taskcompile/internal/queue"
	"github.com/ssuji15/taskcompile/internal/service/logger"
)

var _ queue.Queue = (*KafkaQueueClient)(nil)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

// KafkaQueueClient writes every event kind to a single topic. The event name
// travels in the "event" header.
type KafkaQueueClient struct {
	writer    messageWriter
	newReader func() messageReader
}

func NewKafkaQueueClient() (queue.Queue, error) {
	cfg, err := config.GetKafkaConfig()
	if err != nil {
		return nil, err
	}
	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.BROKERS...),
		Topic:                  cfg.TOPIC,
		AllowAutoTopicCreation: true,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
	}
	newReader := func() messageReader {
		return kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:     cfg.BROKERS,
			Topic:       cfg.TOPIC,
			MinBytes:    1,
			MaxBytes:    10 * 1024 * 1024,
			MaxWait:     time.Second,
			StartOffset: kafkago.LastOffset,
		})
	}
	return newKafkaQueueClient(writer, newReader), nil
}

func newKafkaQueueClient(w messageWriter, newReader func() messageReader) *KafkaQueueClient {
	return &KafkaQueueClient{writer: w, newReader: newReader}
}

func (k *KafkaQueueClient) PublishEvent(ctx context.Context, event queue.QueueEvent, key string, payload []byte) error {
	msg := kafkago.Message{
		Key:     []byte(key),
		Value:   payload,
		Time:    time.Now(),
		Headers: []kafkago.Header{{Key: "event", Value: []byte(event)}},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (k *KafkaQueueClient) Subscribe(ctx context.Context, event queue.QueueEvent, handler func(context.Context, []byte) error) error {
	reader := k.newReader()
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		if eventOf(msg) != event {
			continue
		}
		if err := handler(ctx, msg.Value); err != nil {
			logger.Log.Error().Err(err).Str("key", string(msg.Key)).Msg("failed to handle compile event")
		}
	}
}

func eventOf(msg kafkago.Message) queue.QueueEvent {
	for _, h := range msg.Headers {
		if h.Key == "event" {
			return queue.QueueEvent(h.Value)
		}
	}
	return ""
}

func (k *KafkaQueueClient) Shutdown(ctx context.Context) {
	if err := k.writer.Close(); err != nil {
		logger.Log.Err(err).Msg("unable to close kafka writer")
	}
}

package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ssuji15/taskcompile/internal/component/jetstream"
	"github.com/ssuji15/taskcompile/internal/config"
	"github.com/ssuji15/taskcompile/internal/queue"
	"github.com/ssuji15/taskcompile/internal/service/logger"
)

const streamName = "COMPILE_EVENTS"

type JetStreamQueueClient struct {
	connection *nats.Conn
	context    nats.JetStreamContext
}

var (
	jqc       *JetStreamQueueClient
	once      sync.Once
	initError error
)

func NewJetStreamQueueClient() (queue.Queue, error) {
	once.Do(func() {
		nc, err := jetstream.NewJetStreamClient()
		if err != nil {
			initError = err
			return
		}
		cfg, err := config.GetNatsQueueConfig()
		if err != nil {
			initError = err
			return
		}
		js, err := nc.JetStream()
		if err != nil {
			initError = err
			return
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:       streamName,
			Subjects:   []string{"events.compile.>"},
			MaxMsgs:    int64(cfg.MAX_MESSAGES_EVENT_QUEUE),
			Discard:    nats.DiscardOld,
			Duplicates: 2 * time.Minute,
		})
		if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			initError = fmt.Errorf("could not create event stream: %w", err)
			return
		}
		jqc = &JetStreamQueueClient{
			connection: nc,
			context:    js,
		}
	})
	if initError != nil {
		return nil, initError
	}
	return jqc, nil
}

func (c *JetStreamQueueClient) PublishEvent(ctx context.Context, event queue.QueueEvent, key string, payload []byte) error {
	msg := nats.NewMsg(string(event))
	msg.Data = payload
	_, err := c.context.PublishMsg(msg, nats.Context(ctx), nats.MsgId(string(event)+":"+key))
	return err
}

func (c *JetStreamQueueClient) Subscribe(ctx context.Context, event queue.QueueEvent, handler func(context.Context, []byte) error) error {
	sub, err := c.context.PullSubscribe(string(event), "", nats.DeliverNew(), nats.AckExplicit())
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		msgs, err := sub.Fetch(10, nats.Context(fctx))
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			logger.Log.Warn().Err(err).Msg("fetching compile events failed")
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			if err := handler(ctx, msg.Data); err != nil {
				logger.Log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to handle compile event")
				_ = msg.Nak()
				continue
			}
			_ = msg.Ack()
		}
	}
}

func (c *JetStreamQueueClient) Shutdown(ctx context.Context) {
	if c.connection.IsClosed() || c.connection.IsDraining() {
		return
	}
	if err := c.connection.Drain(); err != nil {
		logger.Log.Err(err).Msg("unable to drain nats connection")
	}
}

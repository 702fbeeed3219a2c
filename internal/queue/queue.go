package queue

import "context"

// Queue carries compile lifecycle events to whoever wants to follow builds.
type Queue interface {
	PublishEvent(ctx context.Context, event QueueEvent, key string, payload []byte) error
	// Subscribe delivers events to handler until ctx is cancelled.
	Subscribe(ctx context.Context, event QueueEvent, handler func(context.Context, []byte) error) error
	Shutdown(ctx context.Context)
}

type QueueEvent string

const (
	CompileStarted  QueueEvent = "events.compile.started"
	CompileFinished QueueEvent = "events.compile.finished"
)

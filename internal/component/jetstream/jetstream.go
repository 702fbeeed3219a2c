package jetstream

import (
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ssuji15/taskcompile/internal/config"
	"github.com/ssuji15/taskcompile/internal/service/logger"
)

var (
	nc        *nats.Conn
	once      sync.Once
	initError error
)

// NewJetStreamClient returns the process wide NATS connection shared by the
// jetstream cache and the jetstream event queue.
func NewJetStreamClient() (*nats.Conn, error) {
	once.Do(func() {
		cfg, err := config.GetNatsConfig()
		if err != nil {
			initError = err
			return
		}
		nc, err = nats.Connect(cfg.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(1*time.Second),
			nats.Name("taskcompile"),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Log.Warn().Str("url", nc.ConnectedUrl()).Msg("NATs reconnected")
			}),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				logger.Log.Error().Err(err).Msg("NATs disconnected")
			}),
			nats.ClosedHandler(func(nc *nats.Conn) {
				logger.Log.Info().Msg("NATs closed")
			}),
		)
		if err != nil {
			initError = err
			return
		}
	})
	return nc, initError
}

func ResetJetStreamClient() {
	nc = nil
	once = sync.Once{}
	initError = nil
}

package providers

import (
	"log/slog"
	"strings"
	"time"

	"github.com/osvaldoandrade/runplane/internal/events"

	"github.com/nats-io/nats.go"
)

// NewEventBus connects the lifecycle publisher. An empty url, or a broker that
// cannot be reached, yields the no-op publisher so run transitions never depend on it.
func NewEventBus(url string, logger *slog.Logger) events.Publisher {
	if strings.TrimSpace(url) == "" {
		return events.NewNoopPublisher()
	}
	pub, err := events.NewNATSPublisher(url,
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("event bus disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("event bus reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		logger.Warn("event bus unavailable; lifecycle events disabled", "url", url, "err", err)
		return events.NewNoopPublisher()
	}
	logger.Info("event bus connected", "url", url)
	return pub
}

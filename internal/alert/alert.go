// Package alert fans notifications out to the configured channels without
// ever blocking the trading path.
package alert

import (
	"context"
	"time"

	"github.com/alitto/pond"

	"gridtrader/internal/logging"
)

// sendTimeout bounds one channel delivery attempt.
const sendTimeout = 5 * time.Second

// Channel delivers one notification somewhere.
type Channel interface {
	Name() string
	Send(ctx context.Context, title, body string) error
}

// Manager implements core.Notifier. Deliveries run on a small worker pool;
// when the pool is saturated the notification is dropped with a log line
// rather than stalling an engine.
type Manager struct {
	channels []Channel
	pool     *pond.WorkerPool
	log      logging.Logger
}

// NewManager creates a notifier with the given channels.
func NewManager(logger logging.Logger, channels ...Channel) *Manager {
	return &Manager{
		channels: channels,
		pool:     pond.New(4, 64),
		log:      logger.WithField("component", "alert"),
	}
}

// Notify dispatches fire-and-forget to every channel.
func (m *Manager) Notify(title, body string) {
	m.log.Info("notification", "title", title, "body", body)
	for _, ch := range m.channels {
		ch := ch
		ok := m.pool.TrySubmit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := ch.Send(ctx, title, body); err != nil {
				m.log.Warn("notification delivery failed", "channel", ch.Name(), "error", err)
			}
		})
		if !ok {
			m.log.Warn("notification dropped, queue full", "channel", ch.Name(), "title", title)
		}
	}
}

// Close drains pending deliveries.
func (m *Manager) Close() {
	m.pool.StopAndWaitFor(2 * sendTimeout)
}

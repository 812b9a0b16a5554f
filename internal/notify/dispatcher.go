// Package notify pushes ephemeral events to a recipient's live connection.
package notify

import (
	"go.uber.org/zap"

	"recipebox-server/internal/logger"
	"recipebox-server/internal/metrics"
	"recipebox-server/internal/model"
	"recipebox-server/internal/registry"
)

const EventNotification = "new_notification"

// Directory resolves an identity to its live connection.
type Directory interface {
	Lookup(identity string) (registry.Conn, bool)
}

// Dispatcher delivers at most once. Misses and write failures are logged
// and counted, never returned.
type Dispatcher struct {
	dir     Directory
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(dir Directory, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{dir: dir, log: logger.OrNop(log), metrics: m}
}

// Notify sends env as a new_notification event. Callers suppress
// self-notifications before calling.
func (d *Dispatcher) Notify(recipient string, env model.Envelope) {
	d.Emit(recipient, EventNotification, env)
}

// Emit reports whether the payload was handed to a connection.
func (d *Dispatcher) Emit(recipient, event string, payload any) bool {
	conn, ok := d.dir.Lookup(recipient)
	if !ok {
		d.log.Debug("recipient offline", zap.String("recipient", recipient), zap.String("event", event))
		d.metrics.Envelope(event, metrics.ResultOffline)
		return false
	}
	if err := conn.Emit(event, payload); err != nil {
		d.log.Debug("emit failed",
			zap.String("recipient", recipient),
			zap.String("event", event),
			zap.String("conn", conn.ID()),
			zap.Error(err),
		)
		d.metrics.Envelope(event, metrics.ResultFailed)
		return false
	}
	d.metrics.Envelope(event, metrics.ResultDelivered)
	return true
}

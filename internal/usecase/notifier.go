package usecase

import (
	"time"

	"go.uber.org/zap"

	"github.com/vadro/position_guard/internal/domain"
)

// Notifier fans events out to the alerting front-end. Delivery is
// at-most-once: a full buffer drops the event rather than blocking a
// monitor's tick.
type Notifier struct {
	ch  chan domain.Event
	log *zap.Logger
}

func NewNotifier(buffer int, log *zap.Logger) *Notifier {
	if buffer <= 0 {
		buffer = 256
	}
	return &Notifier{
		ch:  make(chan domain.Event, buffer),
		log: log,
	}
}

// Publish enqueues an event without blocking.
func (n *Notifier) Publish(ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case n.ch <- ev:
	default:
		n.log.Warn("notification buffer full, event dropped",
			zap.String("type", string(ev.Type)),
			zap.String("monitor", ev.MonitorKey))
	}
}

// Events is the consumer side of the stream.
func (n *Notifier) Events() <-chan domain.Event {
	return n.ch
}

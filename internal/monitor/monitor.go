package monitor

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"recon-core/internal/events"
)

// Monitor watches integrity-related events and forwards alerts.
type Monitor struct {
	Bus     *events.Bus
	AlertFn func(topic string, payload string)
}

// Start subscribes to the alert-worthy topics and forwards each event. The
// subscription lives until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.AlertFn == nil {
		log.Warn().Msg("monitor not fully configured; skipping")
		return
	}

	topics := []events.Event{
		events.EventIntegrityWarning,
		events.EventCycleReopened,
		events.EventHedgeLevelTrigger,
		events.EventReconcilerRestart,
		events.EventLedgerWriteFailed,
	}
	for _, topic := range topics {
		stream, unsub := m.Bus.Subscribe(topic, 50)
		go m.forward(ctx, string(topic), stream, unsub)
	}
}

func (m *Monitor) forward(ctx context.Context, topic string, stream <-chan any, unsub func()) {
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			m.AlertFn(topic, render(msg))
		}
	}
}

func render(msg any) string {
	switch t := msg.(type) {
	case string:
		return t
	default:
		b, err := json.Marshal(msg)
		if err != nil {
			return "alert triggered"
		}
		return string(b)
	}
}

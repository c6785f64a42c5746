package reconcile

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"recon-core/internal/events"
	"recon-core/internal/persistence"
	"recon-core/pkg/db"
)

// emitter writes reconciliation events to the append-only log (buffered,
// fire-and-forget) and publishes them on the in-process bus.
type emitter struct {
	account    string
	instanceID string
	bus        *events.Bus
	writer     *persistence.EventWriter
}

func (e *emitter) emit(kind string, topic events.Event, entityID, severity string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}

	if e.writer != nil {
		e.writer.Append(db.Event{
			ID:         uuid.NewString(),
			Account:    e.account,
			Kind:       kind,
			EntityID:   entityID,
			Severity:   severity,
			Payload:    string(raw),
			InstanceID: e.instanceID,
			CreatedAt:  time.Now().UTC(),
		})
	}
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}

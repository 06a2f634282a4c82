package jobs

import (
	"time"

	"github.com/google/uuid"

	"jobmesh/crypto"
)

// Event types emitted by the coordinator. Delivery is best-effort; the
// notification sink owns queue-and-replay.
const (
	EventJobCreated   = "job.created"
	EventJobFunded    = "job.funded"
	EventJobClaimed   = "job.claimed"
	EventJobSubmitted = "job.submitted"
	EventClaimWon     = "claim.won"
	EventClaimLost    = "claim.lost"
	EventJobReleased  = "job.released"
	EventJobDisputed  = "job.disputed"
	EventJobExpired   = "job.expired"
	EventJobCancelled = "job.cancelled"
	EventJobRefunded  = "job.refunded"
)

// Event is a coordinator lifecycle notification.
type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	JobID      string                 `json:"jobId"`
	Worker     string                 `json:"worker,omitempty"`
	OccurredAt time.Time              `json:"occurredAt"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Emitter receives coordinator events. Implementations must not block the
// caller; slow sinks buffer or drop.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

func newEvent(eventType, jobID string, worker *crypto.Address, at time.Time, attrs map[string]interface{}) Event {
	evt := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		JobID:      jobID,
		OccurredAt: at.UTC(),
		Attributes: attrs,
	}
	if worker != nil {
		evt.Worker = worker.String()
	}
	return evt
}

package shared

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent is the envelope every published event carries.
type DomainEvent interface {
	EventID() uuid.UUID
	EventType() string
	OccurredAt() time.Time
	AggregateID() uuid.UUID
	AggregateType() string
	TenantID() uuid.UUID
}

// PartitionedEvent orders itself by a key other than its aggregate.
type PartitionedEvent interface {
	DomainEvent
	PartitionKey() string
}

// PartitionKeyOf is the delivery ordering key of event.
func PartitionKeyOf(event DomainEvent) string {
	if p, ok := event.(PartitionedEvent); ok {
		if key := p.PartitionKey(); key != "" {
			return key
		}
	}
	return event.AggregateID().String()
}

// EventHeader implements DomainEvent and is embedded by concrete events.
type EventHeader struct {
	ID            uuid.UUID `json:"id"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Aggregate     uuid.UUID `json:"aggregate_id"`
	AggregateKind string    `json:"aggregate_type"`
	Tenant        uuid.UUID `json:"tenant_id"`
	Version       int       `json:"schema_version,omitempty"`
}

// NewEventHeader stamps a new event with a random id and the current UTC time.
func NewEventHeader(eventType, aggregateKind string, aggregate, tenant uuid.UUID) EventHeader {
	return EventHeader{
		ID:            uuid.New(),
		Type:          eventType,
		Timestamp:     time.Now().UTC(),
		Aggregate:     aggregate,
		AggregateKind: aggregateKind,
		Tenant:        tenant,
		Version:       1,
	}
}

func (h *EventHeader) EventID() uuid.UUID     { return h.ID }
func (h *EventHeader) EventType() string      { return h.Type }
func (h *EventHeader) OccurredAt() time.Time  { return h.Timestamp }
func (h *EventHeader) AggregateID() uuid.UUID { return h.Aggregate }
func (h *EventHeader) AggregateType() string  { return h.AggregateKind }
func (h *EventHeader) TenantID() uuid.UUID    { return h.Tenant }

// SchemaVersion defaults to 1 for events written before versioning.
func (h *EventHeader) SchemaVersion() int {
	return max(h.Version, 1)
}

package event

import (
	"github.com/erp/compliance/internal/domain/compliance"
)

// RegisterAuditEvents registers every audit event type with the serializer
// and binds the wire schema to them. Call this once during startup.
func RegisterAuditEvents(serializer *EventSerializer) error {
	schema, err := CompileAuditEventSchema()
	if err != nil {
		return err
	}

	types := AuditEventTypes()
	for _, t := range types {
		serializer.Register(t, &compliance.AuditEvent{})
	}
	serializer.RegisterSchema(schema, types...)
	return nil
}

// AuditEventTypes lists the audit event types as plain strings
func AuditEventTypes() []string {
	all := compliance.AllAuditEventTypes()
	out := make([]string, len(all))
	for i, t := range all {
		out[i] = string(t)
	}
	return out
}

// NewAuditEventSerializer returns a serializer with the audit events registered
func NewAuditEventSerializer() (*EventSerializer, error) {
	s := NewEventSerializer()
	if err := RegisterAuditEvents(s); err != nil {
		return nil, err
	}
	return s, nil
}

package event

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/erp/compliance/internal/domain/shared"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// EventSerializer handles JSON serialization/deserialization of domain events.
// Event types may carry a JSON schema that inbound payloads must satisfy.
type EventSerializer struct {
	mu       sync.RWMutex
	registry map[string]reflect.Type // eventType -> Go type
	schemas  map[string]*jsonschema.Schema
}

// NewEventSerializer creates a new event serializer
func NewEventSerializer() *EventSerializer {
	return &EventSerializer{
		registry: make(map[string]reflect.Type),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Register registers an event type for deserialization
// The eventType should match what EventType() returns on the event
func (s *EventSerializer) Register(eventType string, eventInstance shared.DomainEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := reflect.TypeOf(eventInstance)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	s.registry[eventType] = t
}

// RegisterSchema attaches a compiled JSON schema to already registered event types
func (s *EventSerializer) RegisterSchema(schema *jsonschema.Schema, eventTypes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range eventTypes {
		s.schemas[t] = schema
	}
}

// Serialize serializes a domain event to JSON bytes
func (s *EventSerializer) Serialize(event shared.DomainEvent) ([]byte, error) {
	return json.Marshal(event)
}

// Deserialize validates and decodes JSON bytes into a domain event. The
// decoded event must report the same type it was declared with.
func (s *EventSerializer) Deserialize(eventType string, data []byte) (shared.DomainEvent, error) {
	s.mu.RLock()
	t, ok := s.registry[eventType]
	schema := s.schemas[eventType]
	s.mu.RUnlock()

	if !ok {
		return nil, &DecodeError{EventType: eventType, Reason: "unknown event type"}
	}

	if schema != nil {
		if err := validatePayload(schema, data); err != nil {
			return nil, &DecodeError{EventType: eventType, Reason: "schema violation", Err: err}
		}
	}

	// Create new instance of the registered type
	eventPtr := reflect.New(t).Interface()

	if err := json.Unmarshal(data, eventPtr); err != nil {
		return nil, &DecodeError{EventType: eventType, Reason: "malformed payload", Err: err}
	}

	event, ok := eventPtr.(shared.DomainEvent)
	if !ok {
		return nil, &DecodeError{EventType: eventType, Reason: "registered type does not implement DomainEvent"}
	}
	if event.EventType() != eventType {
		return nil, &DecodeError{
			EventType: eventType,
			Reason:    fmt.Sprintf("payload carries event type %q", event.EventType()),
		}
	}

	return event, nil
}

// IsRegistered checks if an event type is registered
func (s *EventSerializer) IsRegistered(eventType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.registry[eventType]
	return ok
}

// RegisteredTypes returns all registered event types
func (s *EventSerializer) RegisteredTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]string, 0, len(s.registry))
	for t := range s.registry {
		types = append(types, t)
	}
	return types
}

// DecodeError reports a payload that can never be decoded. Redelivery will
// not help, so consumers dead-letter it at once.
type DecodeError struct {
	EventType string
	Reason    string
	Err       error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot decode %s event: %s: %v", e.EventType, e.Reason, e.Err)
	}
	return fmt.Sprintf("cannot decode %s event: %s", e.EventType, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

//go:embed audit_event.schema.json
var auditEventSchemaJSON string

const auditEventSchemaURL = "https://schemas.compliance.local/audit-event.schema.json"

// CompileAuditEventSchema compiles the audit event wire schema
func CompileAuditEventSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(auditEventSchemaURL, bytes.NewReader([]byte(auditEventSchemaJSON))); err != nil {
		return nil, fmt.Errorf("audit event schema load failed: %w", err)
	}
	schema, err := c.Compile(auditEventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("audit event schema compile failed: %w", err)
	}
	return schema, nil
}

func validatePayload(schema *jsonschema.Schema, data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

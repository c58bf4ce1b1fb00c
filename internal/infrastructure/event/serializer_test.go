package event

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSerializer(t *testing.T) *EventSerializer {
	t.Helper()
	s, err := NewAuditEventSerializer()
	require.NoError(t, err)
	return s
}

func TestNewAuditEventSerializer_RegistersAllTypes(t *testing.T) {
	s := newTestSerializer(t)

	assert.ElementsMatch(t, AuditEventTypes(), s.RegisteredTypes())
	for _, et := range compliance.AllAuditEventTypes() {
		assert.True(t, s.IsRegistered(string(et)), et)
	}
	assert.False(t, s.IsRegistered("OrderCreated"))
}

func TestEventSerializer_RoundTrip(t *testing.T) {
	s := newTestSerializer(t)
	evt := newAuditTestEvent(compliance.AuditEventAccepted, uuid.New())

	data, err := s.Serialize(evt)
	require.NoError(t, err)

	decoded, err := s.Deserialize("ACCEPTED", data)
	require.NoError(t, err)

	got, ok := decoded.(*compliance.AuditEvent)
	require.True(t, ok)
	assert.Equal(t, evt.EventID(), got.EventID())
	assert.Equal(t, evt.TenantID(), got.TenantID())
	assert.Equal(t, evt.InvoiceID, got.InvoiceID)
	assert.Equal(t, evt.InvoiceNumber, got.InvoiceNumber)
	assert.Equal(t, compliance.StateAccepted, got.Status)
	require.NotNil(t, got.AuthorityTransactionID)
	assert.Equal(t, "TX-100", *got.AuthorityTransactionID)
	assert.Nil(t, got.ErrorMessage)
	assert.True(t, evt.OccurredAt().Equal(got.OccurredAt()))
	assert.Equal(t, evt.Hash, got.Hash)
}

func TestEventSerializer_Serialize_WireShape(t *testing.T) {
	s := newTestSerializer(t)
	evt := newAuditTestEvent(compliance.AuditEventError, uuid.New())

	data, err := s.Serialize(evt)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "ERROR", doc["eventType"])
	assert.Equal(t, "ERROR", doc["status"])
	assert.Equal(t, "authority timeout", doc["errorMessage"])
	assert.Contains(t, doc, "authorityTransactionId")
	assert.Nil(t, doc["authorityTransactionId"])
	assert.True(t, strings.HasSuffix(doc["timestamp"].(string), "Z"))
}

func TestEventSerializer_Deserialize_Errors(t *testing.T) {
	s := newTestSerializer(t)
	valid, err := s.Serialize(newAuditTestEvent(compliance.AuditEventAccepted, uuid.New()))
	require.NoError(t, err)

	mutate := func(fn func(doc map[string]any)) []byte {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(valid, &doc))
		fn(doc)
		out, err := json.Marshal(doc)
		require.NoError(t, err)
		return out
	}

	tests := []struct {
		name      string
		eventType string
		payload   []byte
		reason    string
	}{
		{
			name:      "unknown event type",
			eventType: "OrderCreated",
			payload:   valid,
			reason:    "unknown event type",
		},
		{
			name:      "not json",
			eventType: "ACCEPTED",
			payload:   []byte("{not json"),
			reason:    "schema violation",
		},
		{
			name:      "missing invoice number",
			eventType: "ACCEPTED",
			payload:   mutate(func(doc map[string]any) { delete(doc, "invoiceNumber") }),
			reason:    "schema violation",
		},
		{
			name:      "invalid status",
			eventType: "ACCEPTED",
			payload:   mutate(func(doc map[string]any) { doc["status"] = "DONE" }),
			reason:    "schema violation",
		},
		{
			name:      "malformed event id",
			eventType: "ACCEPTED",
			payload:   mutate(func(doc map[string]any) { doc["eventId"] = "not-a-uuid" }),
			reason:    "schema violation",
		},
		{
			name:      "malformed hash",
			eventType: "ACCEPTED",
			payload:   mutate(func(doc map[string]any) { doc["hash"] = "XYZ" }),
			reason:    "schema violation",
		},
		{
			name:      "declared type differs from payload",
			eventType: "REJECTED",
			payload:   valid,
			reason:    `payload carries event type "ACCEPTED"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Deserialize(tt.eventType, tt.payload)
			require.Error(t, err)

			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			assert.Equal(t, tt.eventType, decodeErr.EventType)
			assert.Equal(t, tt.reason, decodeErr.Reason)
		})
	}
}

func TestEventSerializer_Deserialize_WithoutSchema(t *testing.T) {
	s := NewEventSerializer()
	s.Register("ACCEPTED", &compliance.AuditEvent{})

	// no schema bound: only structural decoding applies
	_, err := s.Deserialize("ACCEPTED", []byte(`{"eventType":"ACCEPTED","invoiceNumber":""}`))
	assert.NoError(t, err)
}

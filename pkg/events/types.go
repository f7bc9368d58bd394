package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Ingestion events
	EventUsageRecorded  EventType = "usage.recorded"
	EventUsageDuplicate EventType = "usage.duplicate"

	// Consolidation events
	EventUsageConsolidated   EventType = "usage.consolidated"
	EventUsageDriftDetected  EventType = "usage.drift_detected"
	EventConsolidationFailed EventType = "consolidation.failed"

	// Billing export events
	EventBillingExported     EventType = "billing.exported"
	EventBillingExportFailed EventType = "billing.export_failed"

	// Currency events
	EventFXRateFallback EventType = "fx.rate_fallback"
)

// Event represents a single event in the system
type Event struct {
	// ID is a random UUID, usable as an idempotency key by subscribers
	ID string

	Type      EventType
	Timestamp time.Time

	// OrganizationID is empty for system-wide events
	OrganizationID string

	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, organizationID string, payload map[string]interface{}) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           eventType,
		Timestamp:      time.Now().UTC(),
		OrganizationID: organizationID,
		Payload:        payload,
	}
}

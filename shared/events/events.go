package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	TopicDevicePush          = "device.push"
	TopicDeviceResponses     = "device.responses"
	TopicOperationActivities = "operation.activities"
)

const (
	AggregateActivity  = "activity"
	AggregateOperation = "operation"
)

const (
	EventOperationDispatched    = "operation.dispatched"
	EventOperationStatusChanged = "operation.status_changed"
	EventOperationDeleted       = "operation.deleted"
)

func NewEnvelope(tenantID uuid.UUID, aggregateType string, aggregateID string, eventType string, payload any, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.New(),
		TenantID:      tenantID,
		OccurredAt:    at,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	}, nil
}

type Device struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// DevicePush tells a device transport that an operation is waiting.
type DevicePush struct {
	TenantID    uuid.UUID       `json:"tenant_id"`
	Device      Device          `json:"device"`
	OperationID int64           `json:"operation_id"`
	ActivityID  string          `json:"activity_id"`
	Code        string          `json:"code"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SentAt      time.Time       `json:"sent_at"`
}

// DeviceResponse is a device report about an operation. Either
// OperationID or ActivityID identifies the operation.
type DeviceResponse struct {
	TenantID    uuid.UUID       `json:"tenant_id"`
	Device      Device          `json:"device"`
	OperationID int64           `json:"operation_id,omitempty"`
	ActivityID  string          `json:"activity_id,omitempty"`
	Status      string          `json:"status"`
	Response    json.RawMessage `json:"response,omitempty"`
	ReportedAt  time.Time       `json:"reported_at"`
}

type StatusChanged struct {
	OperationID int64     `json:"operation_id"`
	ActivityID  string    `json:"activity_id"`
	Device      Device    `json:"device"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Transition  string    `json:"transition"`
	ChangedAt   time.Time `json:"changed_at"`
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"device-operation-management/api/internal/models"
	"device-operation-management/shared/events"
	"device-operation-management/shared/tenantx"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// KafkaNotifier tells device transports that an operation is waiting by
// publishing events.DevicePush keyed by device.
type KafkaNotifier struct {
	publisher Publisher
	topic     string
	now       func() time.Time
}

func NewKafkaNotifier(publisher Publisher, topic string) *KafkaNotifier {
	if topic == "" {
		topic = events.TopicDevicePush
	}
	return &KafkaNotifier{
		publisher: publisher,
		topic:     topic,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (n *KafkaNotifier) Notify(ctx context.Context, device models.DeviceIdentifier, op models.Operation) error {
	tenantID, err := tenantx.UUIDFromContext(ctx)
	if err != nil {
		return fmt.Errorf("push for %s: %w", device, err)
	}
	push, err := BuildPush(tenantID, device, op, n.now())
	if err != nil {
		return err
	}
	body, err := json.Marshal(push)
	if err != nil {
		return err
	}
	return n.publisher.Publish(ctx, n.topic, []byte(device.String()), body, map[string]string{
		"tenant_id":      tenantID.String(),
		"operation_code": op.Code,
		"operation_type": string(op.Type),
	})
}

func BuildPush(tenantID uuid.UUID, device models.DeviceIdentifier, op models.Operation, at time.Time) (events.DevicePush, error) {
	payload, err := models.EncodePayload(op.Payload)
	if err != nil {
		return events.DevicePush{}, fmt.Errorf("encode payload of operation %d: %w", op.ID, err)
	}
	activityID := op.ActivityID
	if activityID == "" && op.ID > 0 {
		activityID = models.FormatActivityID(op.ID)
	}
	return events.DevicePush{
		TenantID:    tenantID,
		Device:      events.Device{ID: device.ID, Type: device.Type},
		OperationID: op.ID,
		ActivityID:  activityID,
		Code:        op.Code,
		Type:        string(op.Type),
		Payload:     payload,
		SentAt:      at,
	}, nil
}

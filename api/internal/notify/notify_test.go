package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"device-operation-management/api/internal/models"
	"device-operation-management/shared/events"
	"device-operation-management/shared/tenantx"
)

type captured struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type capturePublisher struct {
	msgs []captured
	err  error
}

func (p *capturePublisher) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	p.msgs = append(p.msgs, captured{topic: topic, key: string(key), value: value, headers: headers})
	return p.err
}

func TestNotifyPublishesDevicePush(t *testing.T) {
	pub := &capturePublisher{}
	n := NewKafkaNotifier(pub, "")
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return at }

	tenant := uuid.New()
	ctx := tenantx.WithTenantID(context.Background(), tenant)
	device := models.DeviceIdentifier{ID: "dev-1", Type: "android"}
	op := models.Operation{
		ID:      12,
		Code:    "WIFI",
		Type:    models.OperationTypeConfig,
		Payload: models.ConfigPayload{Properties: []models.ConfigProperty{{Name: "ssid", Value: "lab"}}},
	}
	if err := n.Notify(ctx, device, op); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(pub.msgs))
	}
	msg := pub.msgs[0]
	if msg.topic != events.TopicDevicePush || msg.key != "android/dev-1" {
		t.Fatalf("unexpected routing %s %s", msg.topic, msg.key)
	}
	if msg.headers["tenant_id"] != tenant.String() || msg.headers["operation_code"] != "WIFI" {
		t.Fatalf("unexpected headers %v", msg.headers)
	}

	var push events.DevicePush
	if err := json.Unmarshal(msg.value, &push); err != nil {
		t.Fatalf("decode push: %v", err)
	}
	if push.ActivityID != "ACTIVITY_12" || push.OperationID != 12 || push.Type != "CONFIG" || !push.SentAt.Equal(at) {
		t.Fatalf("unexpected push %#v", push)
	}
	payload, err := models.DecodePayload(models.OperationTypeConfig, push.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if cfg := payload.(models.ConfigPayload); len(cfg.Properties) != 1 || cfg.Properties[0].Value != "lab" {
		t.Fatalf("unexpected payload %#v", cfg)
	}
}

func TestNotifyOmitsPayloadForGenericOperations(t *testing.T) {
	push, err := BuildPush(uuid.New(), models.DeviceIdentifier{ID: "d", Type: "ios"}, models.Operation{ID: 3, Code: "HELLO", Type: models.OperationTypeMessage}, time.Now())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	b, _ := json.Marshal(push)
	var raw map[string]any
	_ = json.Unmarshal(b, &raw)
	if _, ok := raw["payload"]; ok {
		t.Fatalf("expected no payload key, got %s", b)
	}
}

func TestNotifyRequiresTenant(t *testing.T) {
	pub := &capturePublisher{}
	err := NewKafkaNotifier(pub, "push").Notify(context.Background(), models.DeviceIdentifier{ID: "d", Type: "ios"}, models.Operation{ID: 1})
	if !errors.Is(err, tenantx.ErrMissingTenant) {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
	if len(pub.msgs) != 0 {
		t.Fatalf("nothing should be published without a tenant")
	}
}

func TestNotifySurfacesPublishErrors(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	ctx := tenantx.WithTenantID(context.Background(), uuid.New())
	if err := NewKafkaNotifier(pub, "push").Notify(ctx, models.DeviceIdentifier{ID: "d", Type: "ios"}, models.Operation{ID: 1}); err == nil {
		t.Fatalf("expected publish error")
	}
}

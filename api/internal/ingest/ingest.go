package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"device-operation-management/api/internal/models"
	"device-operation-management/api/internal/operations"
	"device-operation-management/shared/authx"
	"device-operation-management/shared/events"
	"device-operation-management/shared/logx"
	"device-operation-management/shared/metricsx"
	"device-operation-management/shared/mqx"
	"device-operation-management/shared/tenantx"
)

var ErrMalformed = errors.New("malformed device response")

type Updater interface {
	UpdateOperation(ctx context.Context, device models.DeviceIdentifier, op models.Operation) (bool, error)
}

// Update is a decoded device response ready for the operation manager.
type Update struct {
	TenantID  uuid.UUID
	Device    models.DeviceIdentifier
	Operation models.Operation
}

// Decode parses a events.DeviceResponse message body.
func Decode(raw []byte) (Update, error) {
	var msg events.DeviceResponse
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Update{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if msg.TenantID == uuid.Nil {
		return Update{}, fmt.Errorf("%w: missing tenant_id", ErrMalformed)
	}
	device := models.DeviceIdentifier{ID: strings.TrimSpace(msg.Device.ID), Type: strings.TrimSpace(msg.Device.Type)}
	if device.ID == "" || device.Type == "" {
		return Update{}, fmt.Errorf("%w: missing device id or type", ErrMalformed)
	}

	operationID := msg.OperationID
	if operationID == 0 && msg.ActivityID != "" {
		id, err := operations.ParseActivityID(msg.ActivityID)
		if err != nil {
			return Update{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		operationID = id
	}
	if operationID <= 0 {
		return Update{}, fmt.Errorf("%w: missing operation_id or activity_id", ErrMalformed)
	}

	status, ok := models.ParseStatus(msg.Status)
	if !ok {
		return Update{}, fmt.Errorf("%w: unknown status %q", ErrMalformed, msg.Status)
	}

	op := models.Operation{ID: operationID, Status: status}
	if len(msg.Response) > 0 && string(msg.Response) != "null" {
		op.Response = []byte(msg.Response)
	}
	return Update{TenantID: msg.TenantID, Device: device, Operation: op}, nil
}

// Handler applies device responses consumed from Kafka.
type Handler struct {
	updater Updater
	logger  logx.Logger
	service string
}

func NewHandler(updater Updater, logger logx.Logger, service string) *Handler {
	return &Handler{updater: updater, logger: logger, service: service}
}

// Handle returns an mqx.ErrSkip wrapped error for responses that can never
// apply, and the raw error when a retry might succeed.
func (h *Handler) Handle(ctx context.Context, msg kafka.Message) error {
	start := time.Now()
	update, err := Decode(msg.Value)
	if err != nil {
		metricsx.IncResponsesIngested("malformed")
		return fmt.Errorf("%w: %w", mqx.ErrSkip, err)
	}

	ctx = tenantx.WithTenantID(ctx, update.TenantID)
	ctx = authx.ServiceContext(ctx, h.service)
	updated, err := h.updater.UpdateOperation(ctx, update.Device, update.Operation)
	if err != nil {
		if permanent(err) {
			metricsx.IncResponsesIngested("rejected")
			return fmt.Errorf("%w: %w", mqx.ErrSkip, err)
		}
		metricsx.IncResponsesIngested("failed")
		return err
	}

	result := "applied"
	if !updated {
		result = "ignored"
	}
	metricsx.IncResponsesIngested(result)
	h.logger.Debug(ctx, "device_response_ingested", "device response ingested",
		slog.String("device", update.Device.String()),
		slog.Int64("operation_id", update.Operation.ID),
		slog.String("status", string(update.Operation.Status)),
		slog.String("result", result),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

// permanent reports failures a redelivery cannot fix. A missing operation or
// enrollment is one of them.
func permanent(err error) bool {
	return errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, operations.ErrInvalidArgument) ||
		errors.Is(err, operations.ErrOperationNotFound) ||
		errors.Is(err, operations.ErrAccessDenied) ||
		errors.Is(err, operations.ErrInvalidDevice)
}

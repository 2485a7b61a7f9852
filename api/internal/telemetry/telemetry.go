package telemetry

import (
	"context"
	"strconv"
	"time"

	"device-operation-management/api/internal/operations"
	"device-operation-management/shared/metricsx"
)

const measurementDispatch = "operation_dispatch"

type PointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

// InfluxRecorder stores one point per dispatch.
type InfluxRecorder struct {
	writer PointWriter
	now    func() time.Time
}

func NewInfluxRecorder(writer PointWriter) *InfluxRecorder {
	return &InfluxRecorder{writer: writer, now: func() time.Time { return time.Now().UTC() }}
}

func (r *InfluxRecorder) RecordDispatch(ctx context.Context, sample operations.DispatchSample) error {
	tags, fields := dispatchPoint(sample)
	if err := r.writer.WritePoint(ctx, measurementDispatch, tags, fields, r.now()); err != nil {
		metricsx.IncInfluxWriteFailure()
		return err
	}
	return nil
}

func dispatchPoint(s operations.DispatchSample) (map[string]string, map[string]any) {
	tags := map[string]string{
		"tenant_id": s.TenantID.String(),
		"code":      s.Code,
		"type":      string(s.Type),
		"scheduled": strconv.FormatBool(s.Scheduled),
	}
	fields := map[string]any{
		"requested":    s.Requested,
		"invalid":      s.Invalid,
		"unauthorized": s.Unauthorized,
		"inserted":     s.Inserted,
		"reused":       s.Reused,
		"duration_ms":  s.Duration.Milliseconds(),
	}
	return tags, fields
}

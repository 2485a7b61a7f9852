package middleware

import (
	"context"
	"log/slog"
	"time"

	"device-operation-management/api/internal/models"
	"device-operation-management/shared/logx"
	"device-operation-management/shared/metricsx"
)

// AuditSink buffers audit entries and writes them in batches off the request
// path. When the buffer is full new entries are dropped and counted.
type AuditSink struct {
	writer     AuditWriter
	logger     logx.Logger
	entries    chan models.AuditLog
	batchSize  int
	flushEvery time.Duration
	timeout    time.Duration
}

func NewAuditSink(writer AuditWriter, logger logx.Logger, buffer int) *AuditSink {
	if buffer <= 0 {
		buffer = 1024
	}
	return &AuditSink{
		writer:     writer,
		logger:     logger,
		entries:    make(chan models.AuditLog, buffer),
		batchSize:  100,
		flushEvery: time.Second,
		timeout:    5 * time.Second,
	}
}

func (s *AuditSink) Enqueue(entry models.AuditLog) bool {
	select {
	case s.entries <- entry:
		return true
	default:
		metricsx.AddAuditDropped(1)
		return false
	}
}

// Run writes batches until ctx is cancelled, then drains what is buffered.
func (s *AuditSink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	var batch []models.AuditLog
	flush := func() {
		if len(batch) == 0 {
			return
		}
		out := batch
		batch = nil
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.writer.WriteAuditLog(wctx, out); err != nil {
			metricsx.AddAuditDropped(len(out))
			s.logger.Warn(ctx, "audit_write_failed", "audit batch write failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.Int("entries", len(out)),
				slog.String("error", err.Error()),
			)
		}
	}
	add := func(entry models.AuditLog) {
		batch = append(batch, entry)
		if len(batch) >= s.batchSize {
			flush()
		}
	}

	for {
		select {
		case entry := <-s.entries:
			add(entry)
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry := <-s.entries:
					add(entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"device-operation-management/shared/logx"
)

type AuditStore interface {
	PurgeBefore(ctx context.Context, cutoff time.Time, chunk int) (int64, error)
}

// AuditPurger drops audit rows past the retention window.
type AuditPurger struct {
	Store     AuditStore
	Logger    logx.Logger
	Retention time.Duration
	Now       func() time.Time
}

func (p *AuditPurger) Handle(ctx context.Context, t *asynq.Task) error {
	if p.Retention <= 0 {
		return nil
	}
	now := time.Now().UTC()
	if p.Now != nil {
		now = p.Now().UTC()
	}
	removed, err := p.Store.PurgeBefore(ctx, now.Add(-p.Retention), 0)
	if err != nil {
		return err
	}
	p.Logger.Info(ctx, "audit_purged", "audit logs purged",
		slog.Int64("removed", removed),
		slog.Duration("retention", p.Retention),
	)
	return nil
}

package tasks

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeOutboxScan        = "outbox.scan"
	TypeOutboxDispatch    = "outbox.dispatch"
	TypeScheduledDispatch = "operations.scheduled_dispatch"
	TypeAuditPurge        = "audit.purge"
)

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Locker runs fn while holding a cluster-wide lock on key. It returns
// lockx.ErrNotAcquired when somebody else holds it. *lockx.Locker satisfies it.
type Locker interface {
	Run(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Register binds every non-nil processor to mux.
func Register(mux *asynq.ServeMux, outbox *OutboxProcessor, scheduled *ScheduledDispatcher, purger *AuditPurger) {
	if outbox != nil {
		mux.HandleFunc(TypeOutboxScan, outbox.HandleScan)
		mux.HandleFunc(TypeOutboxDispatch, outbox.HandleDispatch)
	}
	if scheduled != nil {
		mux.HandleFunc(TypeScheduledDispatch, scheduled.Handle)
	}
	if purger != nil {
		mux.HandleFunc(TypeAuditPurge, purger.Handle)
	}
}

func retryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}

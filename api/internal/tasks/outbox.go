package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"device-operation-management/api/internal/models"
	"device-operation-management/api/internal/repos"
	"device-operation-management/shared/logx"
)

type OutboxStore interface {
	ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error)
	GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type dispatchPayload struct {
	EventID string `json:"event_id"`
}

// OutboxProcessor fans activity and status events written by the operation
// manager out to Kafka. Scan claims due rows and enqueues one dispatch task
// per event; dispatch publishes and records the outcome.
type OutboxProcessor struct {
	Store       OutboxStore
	Publisher   Publisher
	Enqueuer    Enqueuer
	Logger      logx.Logger
	Owner       string
	Queue       string
	BatchSize   int
	MaxAttempts int
	StaleAfter  time.Duration
	Now         func() time.Time
}

func (p *OutboxProcessor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *OutboxProcessor) HandleScan(ctx context.Context, t *asynq.Task) error {
	if p.StaleAfter > 0 {
		released, err := p.Store.ReleaseStale(ctx, p.StaleAfter)
		if err != nil {
			return err
		}
		if released > 0 {
			p.Logger.Warn(ctx, "outbox_stale_released", "released stale outbox locks", slog.Int64("count", released))
		}
	}

	events, err := p.Store.ClaimPending(ctx, p.Owner, p.BatchSize)
	if err != nil {
		return err
	}
	for _, event := range events {
		payload, _ := json.Marshal(dispatchPayload{EventID: event.EventID.String()})
		task := asynq.NewTask(TypeOutboxDispatch, payload, asynq.Queue(p.Queue))
		if _, err := p.Enqueuer.EnqueueContext(ctx, task); err != nil {
			p.Logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("event_id", event.EventID.String()),
				slog.String("error", err.Error()),
			)
			p.fail(ctx, event, err)
		}
	}
	return nil
}

func (p *OutboxProcessor) HandleDispatch(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("asynq").Start(ctx, "outbox.dispatch")
	span.SetAttributes(attribute.String("queue", p.Queue))
	defer span.End()

	var payload dispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode dispatch payload: %v: %w", err, asynq.SkipRetry)
	}
	eventID, err := uuid.Parse(strings.TrimSpace(payload.EventID))
	if err != nil {
		return fmt.Errorf("parse event id: %v: %w", err, asynq.SkipRetry)
	}
	event, err := p.Store.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status == repos.OutboxStatusDelivered || event.Status == repos.OutboxStatusDead {
		return nil
	}

	if err := p.Publisher.Publish(ctx, event.Topic, []byte(event.AggregateID), event.Payload, p.headers(event)); err != nil {
		if p.fail(ctx, event, err) {
			return nil
		}
		return err
	}
	return p.Store.MarkDelivered(ctx, event.EventID)
}

func (p *OutboxProcessor) headers(event models.OutboxEvent) map[string]string {
	headers := map[string]string{
		"event_id":       event.EventID.String(),
		"tenant_id":      event.TenantID.String(),
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"published_at":   p.now().Format(time.RFC3339Nano),
	}
	var env struct {
		EventType string `json:"event_type"`
	}
	if json.Unmarshal(event.Payload, &env) == nil && env.EventType != "" {
		headers["event_type"] = env.EventType
	}
	return headers
}

// fail records a failed delivery and reports whether the event is now dead.
func (p *OutboxProcessor) fail(ctx context.Context, event models.OutboxEvent, cause error) bool {
	attempts := event.Attempts + 1
	nextRetry := p.now().Add(retryDelay(attempts))
	dead := attempts >= p.MaxAttempts
	if err := p.Store.MarkFailed(ctx, event.EventID, attempts, &nextRetry, cause.Error(), dead); err != nil {
		p.Logger.Error(ctx, "outbox_mark_failed", "failed to record outbox failure",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("event_id", event.EventID.String()),
			slog.String("error", err.Error()),
		)
	}
	if dead {
		p.Logger.Warn(ctx, "outbox_dead", "outbox event moved to dead-letter",
			slog.String("event_id", event.EventID.String()),
			slog.Int("attempts", attempts),
		)
	}
	return dead
}

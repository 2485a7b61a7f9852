package mqx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"device-operation-management/shared/config"
	"device-operation-management/shared/logx"
	"device-operation-management/shared/metricsx"
)

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg config.Config) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		MaxAttempts:  maxInt(cfg.KafkaRetryMax, 1),
		BatchTimeout: time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &Producer{writer: w}, nil
}

// Publish writes one message. Messages sharing a key land on the same
// partition, which keeps per-device ordering.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if p == nil || p.writer == nil {
		return errors.New("producer not initialized")
	}
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
	)
	defer span.End()
	msg := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: toHeaders(headers),
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Producer) PublishJSON(ctx context.Context, topic string, key string, value any, headers map[string]string) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.Publish(ctx, topic, []byte(key), b, headers)
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func toHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

// Header returns the value of key on msg, or "".
func Header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func NewConsumer(cfg config.Config, topic string, groupID string) (*kafka.Reader, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}
	if groupID == "" {
		return nil, errors.New("KAFKA_CONSUMER_GROUP is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return reader, nil
}

// ErrSkip marks a message that can never be handled. Consume commits it
// instead of retrying it.
var ErrSkip = errors.New("skip message")

type Handler func(ctx context.Context, msg kafka.Message) error

func newRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// deliver runs handle until it succeeds or returns ErrSkip. Only the end of
// ctx stops the retries, so a message is never passed over while a later
// offset gets committed.
func deliver(ctx context.Context, b backoff.BackOff, msg kafka.Message, handle Handler, onRetry backoff.Notify) error {
	attempt := func() error {
		err := handle(ctx, msg)
		if errors.Is(err, ErrSkip) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(b, ctx), onRetry)
}

// Consume fetches and handles messages in order until ctx is cancelled. A
// message is committed after a successful handle or an ErrSkip; any other
// failure is retried with backoff.
func Consume(ctx context.Context, reader *kafka.Reader, groupID string, logger logx.Logger, handle Handler) {
	topic := reader.Config().Topic
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		traced := func(ctx context.Context, msg kafka.Message) error {
			spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
			defer span.End()
			span.SetAttributes(
				attribute.String("messaging.system", "kafka"),
				attribute.String("messaging.destination", topic),
				attribute.Int64("messaging.kafka.offset", msg.Offset),
			)
			return handle(spanCtx, msg)
		}
		err = deliver(ctx, newRetryBackOff(), msg, traced, func(err error, wait time.Duration) {
			logger.Error(ctx, "event_handle_failed", "failed to handle event, retrying",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("topic", topic),
				slog.Int64("offset", msg.Offset),
				slog.Int64("retry_in_ms", wait.Milliseconds()),
				slog.String("error", err.Error()),
			)
		})
		if err != nil && !errors.Is(err, ErrSkip) {
			// ctx ended mid retry; the message stays uncommitted
			return
		}
		if err != nil {
			logger.Warn(ctx, "event_skipped", "message skipped",
				slog.String("topic", topic),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, groupID, stats.Lag)
	}
}

func maxInt(a int, b int) int {
	if a > b {
		return a
	}
	return b
}

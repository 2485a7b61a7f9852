package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestLoggerWritesEventKeys(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "ops-api", "test", "1.2.3", "info").With(slog.String("component", "manager"))

	l.Info(context.Background(), "operation_dispatched", "dispatched", slog.Int64("operation_id", 7))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["event"] != "operation_dispatched" {
		t.Fatalf("unexpected event: %#v", rec["event"])
	}
	if rec["service"] != "ops-api" || rec["version"] != "1.2.3" || rec["component"] != "manager" {
		t.Fatalf("missing base attrs: %#v", rec)
	}
	if rec["msg"] != "dispatched" {
		t.Fatalf("unexpected msg: %#v", rec["msg"])
	}
	if _, ok := rec["ts"]; !ok {
		t.Fatalf("expected ts key")
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "svc", "test", "", "warn")
	l.Info(context.Background(), "ignored", "ignored")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	l.Warn(context.Background(), "kept", "kept")
	if buf.Len() == 0 {
		t.Fatalf("expected warn to be written")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	l.Error(context.Background(), "noop", "noop")
}

func TestLoggerAddsTraceCorrelation(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "svc", "test", "", "info")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	l.Info(ctx, "traced", "traced")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["trace_id"] != sc.TraceID().String() || rec["span_id"] != sc.SpanID().String() {
		t.Fatalf("missing trace correlation: %#v", rec)
	}
}

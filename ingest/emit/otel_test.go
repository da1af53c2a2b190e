package emit

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*tracetest.InMemoryExporter, *OTelEmitter) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return exporter, NewOTelEmitter(otel.Tracer("test"))
}

func TestOTelEmitterEmit(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		RunID: "run-001",
		Line:  42,
		Stage: "commit",
		Msg:   "batch_committed",
		Meta: map[string]interface{}{
			"batch_size": 64,
			"batch_kind": "upsert",
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if span.Name != "batch_committed" {
		t.Errorf("span name = %q, want %q", span.Name, "batch_committed")
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["elysiactl.run_id"]; got != "run-001" {
		t.Errorf("run_id = %v, want run-001", got)
	}
	if got := attrs["elysiactl.line"]; got != int64(42) {
		t.Errorf("line = %v, want 42", got)
	}
	if got := attrs["elysiactl.stage"]; got != "commit" {
		t.Errorf("stage = %v, want commit", got)
	}
	if got := attrs["elysiactl.batch.size"]; got != int64(64) {
		t.Errorf("batch size = %v, want 64", got)
	}
	if got := attrs["elysiactl.batch.kind"]; got != "upsert" {
		t.Errorf("batch kind = %v, want upsert", got)
	}

	if !span.EndTime.After(span.StartTime) {
		t.Error("span was not ended")
	}
}

func TestOTelEmitterErrorStatus(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		RunID: "run-001",
		Line:  7,
		Stage: "resolve",
		Msg:   "line_failed",
		Meta: map[string]interface{}{
			"error":    "open /missing: no such file or directory",
			"category": "filesystem",
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if span.Status.Code != codes.Error {
		t.Errorf("expected error status, got %v", span.Status.Code)
	}
	if len(span.Events) == 0 {
		t.Error("expected a recorded error event on the span")
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["elysiactl.category"]; got != "filesystem" {
		t.Errorf("category = %v, want filesystem", got)
	}
}

func TestOTelEmitterEmitBatch(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	events := []Event{
		{RunID: "run-001", Line: 1, Stage: "submit", Msg: "line_completed"},
		{RunID: "run-001", Line: 2, Stage: "submit", Msg: "line_completed"},
		{RunID: "run-001", Line: 3, Stage: "submit", Msg: "line_failed", Meta: map[string]interface{}{"error": "rejected"}},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch failed: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	if spans[2].Status.Code != codes.Error {
		t.Error("expected third span to carry error status")
	}
}

func TestOTelEmitterFlush(t *testing.T) {
	_, emitter := newTestTracer(t)

	if err := emitter.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{})
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter converts events into OpenTelemetry spans.
//
// Each event becomes an immediately-ended span named after event.Msg, with
// the run ID, line number, stage, and all Meta fields attached as
// attributes. Events carrying an "error" meta key mark the span status as
// error and record the message.
//
// Wire it up with a configured tracer provider:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("elysiactl"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter producing spans through tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and ends one span for the event. Spans represent points in
// time, not durations; a "duration_ms" meta value is attached as an
// attribute rather than stretching the span.
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	o.addStandardAttributes(span, event)
	o.addMetaAttributes(span, event.Meta)

	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// EmitBatch creates spans for several events in one pass, sharing the
// caller's context for trace propagation.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)

		o.addStandardAttributes(span, event)
		o.addMetaAttributes(span, event.Meta)

		if errMsg, ok := event.Meta["error"].(string); ok {
			span.SetStatus(codes.Error, errMsg)
			span.RecordError(fmt.Errorf("%s", errMsg))
		}

		span.End()
	}
	return nil
}

// Flush forces export of buffered spans. Call before process exit so the
// batch span processor does not drop the tail of the run.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()

	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addStandardAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("elysiactl.run_id", event.RunID),
		attribute.Int64("elysiactl.line", event.Line),
		attribute.String("elysiactl.stage", event.Stage),
	)
}

// addMetaAttributes converts meta values to span attributes. Known keys
// get namespaced attribute names; everything else keeps its own key.
func (o *OTelEmitter) addMetaAttributes(span trace.Span, meta map[string]interface{}) {
	if meta == nil {
		return
	}

	for key, value := range meta {
		attrKey := key
		switch key {
		case "category":
			attrKey = "elysiactl.category"
		case "batch_size":
			attrKey = "elysiactl.batch.size"
		case "batch_kind":
			attrKey = "elysiactl.batch.kind"
		case "duration_ms":
			attrKey = "elysiactl.batch.duration_ms"
		case "attempt":
			attrKey = "elysiactl.attempt"
		case "tier":
			attrKey = "elysiactl.tier"
		}

		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}

// Package otel bridges the observe.Sink to OpenTelemetry tracing.
//
// It converts observe.Event objects into OTel spans so that session runs,
// node steps, capability calls, and gate decisions are visible in any
// OpenTelemetry-compatible backend.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/medigraph/clinagent/observe"
)

const instrumentationName = "github.com/medigraph/clinagent"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

// Emit converts an observe.Event into an OTel span.
func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()

	spanName := spanNameFor(event)
	ctx := context.Background()
	startTime := event.Timestamp

	_, span := s.tracer.Start(ctx, spanName, trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("clinagent.event.kind", string(event.Kind)),
	}
	if event.SessionID != "" {
		attrs = append(attrs, attribute.String("clinagent.session.id", event.SessionID))
	}
	if event.Node != "" {
		attrs = append(attrs, attribute.String("clinagent.node", event.Node))
	}
	if event.Capability != "" {
		attrs = append(attrs, attribute.String("clinagent.capability", event.Capability))
	}
	if event.Name != "" {
		attrs = append(attrs, attribute.String("clinagent.event.name", event.Name))
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("clinagent.status", string(event.Status)))
	}
	if event.Message != "" {
		attrs = append(attrs, attribute.String("clinagent.message", truncate(event.Message, 1024)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("clinagent.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("clinagent.attr."+k, fmt.Sprintf("%v", v)))
	}

	span.SetAttributes(attrs...)

	if event.Status == observe.StatusFailed {
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	} else if event.Status == observe.StatusCompleted {
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if event.DurationMs > 0 {
		endTime = startTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindSession:
		return "clinagent.session"
	case observe.KindNode:
		if event.Node != "" {
			return "clinagent.node." + event.Node
		}
		return "clinagent.node.step"
	case observe.KindCapability:
		if event.Capability != "" {
			return "clinagent.capability." + event.Capability
		}
		return "clinagent.capability.invoke"
	case observe.KindCheckpoint:
		return "clinagent.checkpoint"
	case observe.KindGate:
		return "clinagent.gate"
	default:
		if event.Name != "" {
			return "clinagent." + event.Name
		}
		return "clinagent.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

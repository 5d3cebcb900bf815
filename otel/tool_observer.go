package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/frappemcp/tool"
)

// Instrument names recorded by ToolObserver.
const (
	MetricInvocations = "frappemcp.tool.invocations"
	MetricFailures    = "frappemcp.tool.failures"
	MetricLatency     = "frappemcp.tool.latency"
)

// ToolObserver records tool invocations into OpenTelemetry.
type ToolObserver struct {
	tracer trace.Tracer

	invocations metric.Int64Counter
	failures    metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewToolObserver creates a tool observer bound to the provided meter/tracer.
// A nil tracer disables spans.
func NewToolObserver(meter metric.Meter, tracer trace.Tracer) (*ToolObserver, error) {
	invocations, err := meter.Int64Counter(
		MetricInvocations,
		metric.WithDescription("Number of tool invocations"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter(
		MetricFailures,
		metric.WithDescription("Number of failed tool invocations by error code"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		MetricLatency,
		metric.WithDescription("Tool latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &ToolObserver{
		tracer:      tracer,
		invocations: invocations,
		failures:    failures,
		latency:     latency,
	}, nil
}

// ObserveInvoke records one invocation. The span is parented on ctx and
// backdated to cover the invocation's duration.
func (o *ToolObserver) ObserveInvoke(ctx context.Context, observation tool.InvokeObservation) {
	if o == nil {
		return
	}

	// User names stay off metric attributes to keep cardinality bounded.
	attrs := []attribute.KeyValue{
		attribute.String("tool_name", observation.ToolName),
		attribute.Bool("success", observation.Success),
	}
	options := metric.WithAttributes(attrs...)
	duration := time.Duration(observation.DurationMS) * time.Millisecond

	o.invocations.Add(ctx, 1, options)
	o.latency.Record(ctx, duration.Seconds(), options)
	if !observation.Success {
		o.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool_name", observation.ToolName),
			attribute.String("error_code", observation.ErrorCode),
		))
	}

	if o.tracer == nil {
		return
	}
	end := time.Now()
	spanAttrs := append(attrs, attribute.String("user", observation.User))
	if observation.ErrorCode != "" {
		spanAttrs = append(spanAttrs, attribute.String("error_code", observation.ErrorCode))
	}
	_, span := o.tracer.Start(ctx, "tool.invoke",
		trace.WithTimestamp(end.Add(-duration)),
		trace.WithAttributes(spanAttrs...),
	)
	if observation.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, observation.ErrorCode)
	}
	span.End(trace.WithTimestamp(end))
}

var _ tool.Observer = (*ToolObserver)(nil)

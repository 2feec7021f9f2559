package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type pipelineMetrics struct {
	messages metric.Int64Counter
	duration metric.Float64Histogram
}

func newPipelineMetrics(logger pslog.Logger) *pipelineMetrics {
	meter := otel.Meter("pkt.systems/relayd/gateway")
	m := &pipelineMetrics{}
	var err error

	m.messages, err = meter.Int64Counter("relayd.gateway.messages",
		metric.WithDescription("Relayed messages by outcome"))
	logMetricInitError(logger, "relayd.gateway.messages", err)

	m.duration, err = meter.Float64Histogram("relayd.gateway.duration",
		metric.WithDescription("Time from parsed request to logged reply"),
		metric.WithUnit("s"))
	logMetricInitError(logger, "relayd.gateway.duration", err)
	return m
}

func (m *pipelineMetrics) observe(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("relayd.gateway.outcome", outcome))
	if m.messages != nil {
		m.messages.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "metric", name, "error", err)
}

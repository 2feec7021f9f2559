package messagelog

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type logMetrics struct {
	appends    metric.Int64Counter
	timestamps metric.Int64Counter
	stamped    metric.Int64Counter
	rotations  metric.Int64Counter
	pending    metric.Int64ObservableGauge
	awaiting   metric.Int64ObservableGauge
	nextSeq    metric.Int64ObservableGauge
}

var (
	attrOK     = metric.WithAttributes(attribute.String("relayd.log.outcome", "ok"))
	attrFailed = metric.WithAttributes(attribute.String("relayd.log.outcome", "failed"))
)

func newLogMetrics(logger pslog.Logger, l *Log) *logMetrics {
	meter := otel.Meter("pkt.systems/relayd/messagelog")
	m := &logMetrics{}
	var err error

	m.appends, err = meter.Int64Counter("relayd.log.appends",
		metric.WithDescription("Signature record appends by outcome"))
	logMetricInitError(logger, "relayd.log.appends", err)

	m.timestamps, err = meter.Int64Counter("relayd.log.timestamp_batches",
		metric.WithDescription("Timestamp batches by outcome"))
	logMetricInitError(logger, "relayd.log.timestamp_batches", err)

	m.stamped, err = meter.Int64Counter("relayd.log.timestamped_records",
		metric.WithDescription("Signature records bound to a timestamp token"))
	logMetricInitError(logger, "relayd.log.timestamped_records", err)

	m.rotations, err = meter.Int64Counter("relayd.log.rotations",
		metric.WithDescription("Sealed log segments"))
	logMetricInitError(logger, "relayd.log.rotations", err)

	m.pending, err = meter.Int64ObservableGauge("relayd.log.pending",
		metric.WithDescription("Signature records awaiting a timestamp"))
	logMetricInitError(logger, "relayd.log.pending", err)

	m.awaiting, err = meter.Int64ObservableGauge("relayd.log.sealed_awaiting_timestamps",
		metric.WithDescription("Sealed segments held back from archiving until timestamped"))
	logMetricInitError(logger, "relayd.log.sealed_awaiting_timestamps", err)

	m.nextSeq, err = meter.Int64ObservableGauge("relayd.log.next_sequence",
		metric.WithDescription("Next sequence number to be assigned"))
	logMetricInitError(logger, "relayd.log.next_sequence", err)

	if m.pending != nil && m.awaiting != nil && m.nextSeq != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			stats := l.Stats()
			o.ObserveInt64(m.pending, int64(stats.Pending))
			o.ObserveInt64(m.awaiting, int64(stats.AwaitingTimestamps))
			o.ObserveInt64(m.nextSeq, int64(stats.NextSequence))
			return nil
		}, m.pending, m.awaiting, m.nextSeq); err != nil {
			logMetricInitError(logger, "relayd.log.callback", err)
		}
	}
	return m
}

func outcome(ok bool) metric.AddOption {
	if ok {
		return attrOK
	}
	return attrFailed
}

func (m *logMetrics) append(ctx context.Context, ok bool) {
	if m == nil || m.appends == nil {
		return
	}
	m.appends.Add(ctx, 1, outcome(ok))
}

func (m *logMetrics) timestamp(ctx context.Context, ok bool, records int) {
	if m == nil {
		return
	}
	if m.timestamps != nil {
		m.timestamps.Add(ctx, 1, outcome(ok))
	}
	if ok && m.stamped != nil {
		m.stamped.Add(ctx, int64(records))
	}
}

func (m *logMetrics) rotation(ctx context.Context) {
	if m == nil || m.rotations == nil {
		return
	}
	m.rotations.Add(ctx, 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

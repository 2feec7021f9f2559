package admission

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type admissionMetrics struct {
	decisions metric.Int64Counter
	active    metric.Int64UpDownCounter
	idle      metric.Int64Counter
}

var (
	attrAdmitted = metric.WithAttributes(attribute.String("relayd.admission.outcome", "admitted"))
	attrOverload = metric.WithAttributes(attribute.String("relayd.admission.outcome", Overloaded.String()))
	attrTooMany  = metric.WithAttributes(attribute.String("relayd.admission.outcome", TooManyConnections.String()))
)

func newAdmissionMetrics(logger pslog.Logger) *admissionMetrics {
	meter := otel.Meter("pkt.systems/relayd/admission")
	m := &admissionMetrics{}
	var err error
	m.decisions, err = meter.Int64Counter("relayd.admission.decisions",
		metric.WithDescription("Admission decisions by outcome"))
	logMetricInitError(logger, "relayd.admission.decisions", err)
	m.active, err = meter.Int64UpDownCounter("relayd.admission.active",
		metric.WithDescription("Admitted connections currently holding a ticket"))
	logMetricInitError(logger, "relayd.admission.active", err)
	m.idle, err = meter.Int64Counter("relayd.admission.idle_closed",
		metric.WithDescription("Connections closed by the idle sweeper"))
	logMetricInitError(logger, "relayd.admission.idle_closed", err)
	return m
}

func (m *admissionMetrics) admitted() {
	if m == nil {
		return
	}
	if m.decisions != nil {
		m.decisions.Add(context.Background(), 1, attrAdmitted)
	}
	if m.active != nil {
		m.active.Add(context.Background(), 1)
	}
}

func (m *admissionMetrics) released() {
	if m != nil && m.active != nil {
		m.active.Add(context.Background(), -1)
	}
}

func (m *admissionMetrics) rejected(reason Reason) {
	if m == nil || m.decisions == nil {
		return
	}
	attr := attrTooMany
	if reason == Overloaded {
		attr = attrOverload
	}
	m.decisions.Add(context.Background(), 1, attr)
}

func (m *admissionMetrics) idleClosed() {
	if m != nil && m.idle != nil {
		m.idle.Add(context.Background(), 1)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

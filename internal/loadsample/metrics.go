package loadsample

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type samplerMetrics struct {
	samples     metric.Int64Counter
	failures    metric.Int64Counter
	freeHandles metric.Int64ObservableGauge
	cpuLoad     metric.Float64ObservableGauge
}

func newSamplerMetrics(logger pslog.Logger, s *Sampler) *samplerMetrics {
	meter := otel.Meter("pkt.systems/relayd/loadsample")
	m := &samplerMetrics{}
	var err error

	m.samples, err = meter.Int64Counter("relayd.loadsample.samples",
		metric.WithDescription("Load samples collected"))
	logMetricInitError(logger, "relayd.loadsample.samples", err)

	m.failures, err = meter.Int64Counter("relayd.loadsample.failures",
		metric.WithDescription("Load samples that could not be collected"))
	logMetricInitError(logger, "relayd.loadsample.failures", err)

	m.freeHandles, err = meter.Int64ObservableGauge("relayd.loadsample.free_handles",
		metric.WithDescription("Free file and socket handles in the latest sample"))
	logMetricInitError(logger, "relayd.loadsample.free_handles", err)

	m.cpuLoad, err = meter.Float64ObservableGauge("relayd.loadsample.cpu_load",
		metric.WithDescription("System CPU busy fraction in the latest sample"))
	logMetricInitError(logger, "relayd.loadsample.cpu_load", err)

	if m.freeHandles != nil && m.cpuLoad != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			sample := s.Latest()
			if sample == nil {
				return nil
			}
			o.ObserveInt64(m.freeHandles, sample.FreeHandles)
			o.ObserveFloat64(m.cpuLoad, sample.CPULoad)
			return nil
		}, m.freeHandles, m.cpuLoad); err != nil {
			logMetricInitError(logger, "relayd.loadsample.callback", err)
		}
	}
	return m
}

func (m *samplerMetrics) recordSample(ctx context.Context) {
	if m == nil || m.samples == nil {
		return
	}
	m.samples.Add(ctx, 1)
}

func (m *samplerMetrics) recordFailure(ctx context.Context) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

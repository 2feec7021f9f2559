// Package loadsample periodically measures free file/socket handles and CPU
// load and publishes the latest sample through an atomic pointer.
package loadsample

import (
	"context"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/svcfields"
)

// DefaultInterval is the sampling cadence when none is configured.
const DefaultInterval = time.Second

// Sample is one immutable measurement.
type Sample struct {
	// FreeHandles is the descriptor limit minus descriptors in use.
	FreeHandles int64
	OpenHandles int64
	HandleLimit int64
	// CPULoad is the system-wide busy fraction in [0,1].
	CPULoad     float64
	CollectedAt time.Time
}

// Source produces samples.
type Source interface {
	Collect(ctx context.Context) (Sample, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Sample, error)

// Collect implements Source.
func (f SourceFunc) Collect(ctx context.Context) (Sample, error) { return f(ctx) }

// Config controls the sampler.
type Config struct {
	Interval time.Duration
	// LogInterval throttles the periodic debug summary; zero disables it.
	LogInterval time.Duration
}

// Sampler owns the sampling loop.
type Sampler struct {
	cfg     Config
	source  Source
	logger  pslog.Logger
	metrics *samplerMetrics
	now     func() time.Time

	latest  atomic.Pointer[Sample]
	running atomic.Bool
	wg      sync.WaitGroup
	lastLog time.Time
}

// New constructs a sampler. A nil source samples the local host.
func New(cfg Config, source Source, logger pslog.Logger) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LogInterval < 0 {
		cfg.LogInterval = 0
	}
	logger = svcfields.WithSubsystem(logger, "control.loadsample")
	if source == nil {
		source = NewHostSource()
	}
	s := &Sampler{
		cfg:    cfg,
		source: source,
		logger: logger,
		now:    time.Now,
	}
	s.metrics = newSamplerMetrics(logger, s)
	return s
}

// Latest returns the most recent sample, or nil before the first one.
func (s *Sampler) Latest() *Sample {
	return s.latest.Load()
}

// Publish replaces the current sample.
func (s *Sampler) Publish(sample Sample) {
	if sample.CollectedAt.IsZero() {
		sample.CollectedAt = s.now()
	}
	s.latest.Store(&sample)
}

// SampleNow collects and publishes one sample.
func (s *Sampler) SampleNow(ctx context.Context) (Sample, error) {
	sample, err := s.source.Collect(ctx)
	if err != nil {
		s.metrics.recordFailure(ctx)
		return Sample{}, err
	}
	s.Publish(sample)
	s.metrics.recordSample(ctx)
	return sample, nil
}

// Start takes one sample synchronously and then launches the loop. Only the
// first call has an effect.
func (s *Sampler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	if _, err := s.SampleNow(ctx); err != nil {
		s.logger.Warn("relayd.loadsample.failed", "error", err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Wait blocks until the loop has exited.
func (s *Sampler) Wait() {
	s.wg.Wait()
}

func (s *Sampler) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := s.SampleNow(ctx)
			if err != nil {
				s.logger.Warn("relayd.loadsample.failed", "error", err)
				continue
			}
			s.maybeLog(sample)
		}
	}
}

func (s *Sampler) maybeLog(sample Sample) {
	if s.cfg.LogInterval <= 0 {
		return
	}
	if !s.lastLog.IsZero() && sample.CollectedAt.Sub(s.lastLog) < s.cfg.LogInterval {
		return
	}
	s.lastLog = sample.CollectedAt
	s.logger.Debug("relayd.loadsample.sample",
		"free_handles", sample.FreeHandles,
		"open_handles", sample.OpenHandles,
		"handle_limit", sample.HandleLimit,
		"cpu_load", sample.CPULoad)
}

// HostSource samples the local process and host with gopsutil.
type HostSource struct {
	mu   sync.Mutex
	proc *process.Process
}

// NewHostSource returns a source for the current process.
func NewHostSource() *HostSource {
	return &HostSource{}
}

// Collect implements Source.
func (h *HostSource) Collect(ctx context.Context) (Sample, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proc == nil {
		proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return Sample{}, err
		}
		h.proc = proc
	}
	sample := Sample{CollectedAt: time.Now()}

	// Interval 0 compares against the previous call, so the first sample
	// after start reports load since boot.
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, err
	}
	if len(percents) > 0 {
		sample.CPULoad = clampFraction(percents[0] / 100)
	}

	limit, ok := handleLimit()
	if !ok {
		sample.FreeHandles = math.MaxInt64
		return sample, nil
	}
	open, err := h.proc.NumFDsWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}
	sample.HandleLimit = limit
	sample.OpenHandles = int64(open)
	sample.FreeHandles = limit - int64(open)
	if sample.FreeHandles < 0 {
		sample.FreeHandles = 0
	}
	return sample, nil
}

func clampFraction(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

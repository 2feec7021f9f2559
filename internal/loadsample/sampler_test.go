package loadsample

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSamplerPublishesLatest(t *testing.T) {
	var calls atomic.Int64
	source := SourceFunc(func(context.Context) (Sample, error) {
		n := calls.Add(1)
		return Sample{FreeHandles: 100 - n, CPULoad: 0.25}, nil
	})
	s := New(Config{Interval: 5 * time.Millisecond}, source, nil)
	if s.Latest() != nil {
		t.Fatal("expected no sample before start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	s.Start(ctx)
	first := s.Latest()
	if first == nil || first.FreeHandles != 99 {
		t.Fatalf("Start must sample synchronously, got %+v", first)
	}
	if first.CollectedAt.IsZero() {
		t.Fatal("sample time not stamped")
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	s.Wait()
	if calls.Load() < 3 {
		t.Fatalf("sampling loop did not run, calls=%d", calls.Load())
	}
	if s.Latest() == first {
		t.Fatal("latest sample must be replaced wholesale")
	}
}

func TestSamplerKeepsPreviousSampleOnFailure(t *testing.T) {
	fail := false
	source := SourceFunc(func(context.Context) (Sample, error) {
		if fail {
			return Sample{}, errors.New("proc unavailable")
		}
		return Sample{FreeHandles: 42}, nil
	})
	s := New(Config{}, source, nil)
	if _, err := s.SampleNow(context.Background()); err != nil {
		t.Fatalf("sample: %v", err)
	}
	fail = true
	if _, err := s.SampleNow(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	if got := s.Latest(); got == nil || got.FreeHandles != 42 {
		t.Fatalf("previous sample lost: %+v", got)
	}
}

func TestHostSourceReportsPlausibleValues(t *testing.T) {
	sample, err := NewHostSource().Collect(context.Background())
	if err != nil {
		t.Skipf("host sampling unavailable: %v", err)
	}
	if sample.CPULoad < 0 || sample.CPULoad > 1 {
		t.Fatalf("cpu load out of range: %v", sample.CPULoad)
	}
	if sample.FreeHandles < 0 {
		t.Fatalf("negative free handles: %d", sample.FreeHandles)
	}
	if sample.HandleLimit > 0 && sample.OpenHandles <= 0 {
		t.Fatalf("expected open handles to be counted: %+v", sample)
	}
}

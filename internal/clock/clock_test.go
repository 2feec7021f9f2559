package clock_test

import (
	"testing"
	"time"

	"pkt.systems/relayd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestRealTickerTicks(t *testing.T) {
	t.Parallel()

	ticker := clock.Real{}.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("ticker did not fire")
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := clock.NewManual(start)
	ch := m.After(time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}
	if m.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", m.Pending())
	}
	m.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(time.Second)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("timer did not fire")
	}
}

func TestManualTickerCoalescesMissedTicks(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	ticker := m.NewTicker(time.Second)
	m.Advance(5 * time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("expected a tick")
	}
	select {
	case <-ticker.C():
		t.Fatal("missed ticks must coalesce")
	default:
	}
	ticker.Stop()
	m.Advance(time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

// Package admission decides whether an inbound connection may enter the relay
// pipeline, based on the latest host load sample and a per-address cap.
package admission

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/loadsample"
	"pkt.systems/relayd/internal/svcfields"
)

// Config controls admission decisions.
type Config struct {
	// FreeHandleFloor rejects connections while fewer handles are free.
	FreeHandleFloor int64
	// CPULoadCeiling rejects connections while CPU load is above it; zero
	// or values >= 1 disable the check.
	CPULoadCeiling float64
	// PerAddressCap bounds concurrent connections per remote host; zero
	// disables the cap.
	PerAddressCap int
	// IdleTimeout closes admitted connections that send nothing for this long.
	IdleTimeout time.Duration
	// SweepInterval is the idle sweeper cadence.
	SweepInterval time.Duration
	// MaxConnections is a global ceiling enforced at the listener.
	MaxConnections int
}

// Reason classifies a rejection.
type Reason uint8

const (
	// Overloaded is decided from the load sample alone.
	Overloaded Reason = iota + 1
	// TooManyConnections is decided from the per-address counter.
	TooManyConnections
)

func (r Reason) String() string {
	switch r {
	case Overloaded:
		return "overloaded"
	case TooManyConnections:
		return "too_many_connections"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

var (
	// ErrOverloaded matches rejections with reason Overloaded.
	ErrOverloaded = errors.New("admission: overloaded")
	// ErrTooManyConnections matches rejections with reason TooManyConnections.
	ErrTooManyConnections = errors.New("admission: too many connections")
)

// Rejection is returned by Decide when a connection is refused.
type Rejection struct {
	Reason Reason
	Remote string
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("admission: %s rejected: %s (%s)", r.Remote, r.Reason, r.Detail)
}

// Is matches the sentinel for the rejection reason.
func (r *Rejection) Is(target error) bool {
	switch r.Reason {
	case Overloaded:
		return target == ErrOverloaded
	case TooManyConnections:
		return target == ErrTooManyConnections
	}
	return false
}

// LoadSource exposes the latest load sample.
type LoadSource interface {
	Latest() *loadsample.Sample
}

type addrCounter struct {
	// n is the live connection count; -1 marks a pruned counter that must
	// not be incremented again.
	n atomic.Int64
}

// Controller makes admission decisions. It holds no lock across reading the
// load sample and updating a per-address counter.
type Controller struct {
	cfg      Config
	load     LoadSource
	logger   pslog.Logger
	metrics  *admissionMetrics
	now      func() time.Time
	counters sync.Map // host -> *addrCounter
	conns    sync.Map // *trackedConn -> struct{}
}

// NewController constructs a controller. A nil load source never reports
// overload.
func NewController(cfg Config, load LoadSource, logger pslog.Logger) *Controller {
	if cfg.PerAddressCap < 0 {
		cfg.PerAddressCap = 0
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
		if cfg.IdleTimeout > 0 && cfg.IdleTimeout < 4*time.Second {
			cfg.SweepInterval = cfg.IdleTimeout / 4
		}
	}
	logger = svcfields.WithSubsystem(logger, "control.admission")
	return &Controller{
		cfg:     cfg,
		load:    load,
		logger:  logger,
		metrics: newAdmissionMetrics(logger),
		now:     time.Now,
	}
}

// Ticket is held by an admitted connection. Release is idempotent.
type Ticket struct {
	Host    string
	counter *addrCounter
	once    sync.Once
	c       *Controller
}

// Release returns the per-address slot.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.counter != nil {
			t.counter.n.Add(-1)
		}
		t.c.metrics.released()
	})
}

// Decide admits or rejects a connection from remote ("host:port" or a bare
// host). The load check runs first and touches no per-address state.
func (c *Controller) Decide(remote string) (*Ticket, error) {
	host := normalizeRemoteAddr(remote)
	if reason, detail := c.overloaded(); reason != 0 {
		c.metrics.rejected(reason)
		return nil, &Rejection{Reason: reason, Remote: host, Detail: detail}
	}
	if c.cfg.PerAddressCap <= 0 {
		c.metrics.admitted()
		return &Ticket{Host: host, c: c}, nil
	}
	counter, ok := c.acquire(host)
	if !ok {
		c.metrics.rejected(TooManyConnections)
		return nil, &Rejection{
			Reason: TooManyConnections,
			Remote: host,
			Detail: fmt.Sprintf("cap %d reached", c.cfg.PerAddressCap),
		}
	}
	c.metrics.admitted()
	return &Ticket{Host: host, counter: counter, c: c}, nil
}

func (c *Controller) overloaded() (Reason, string) {
	if c.load == nil {
		return 0, ""
	}
	sample := c.load.Latest()
	if sample == nil {
		return 0, ""
	}
	if sample.FreeHandles < c.cfg.FreeHandleFloor {
		return Overloaded, fmt.Sprintf("free handles %d below floor %d", sample.FreeHandles, c.cfg.FreeHandleFloor)
	}
	if c.cfg.CPULoadCeiling > 0 && c.cfg.CPULoadCeiling < 1 && sample.CPULoad > c.cfg.CPULoadCeiling {
		return Overloaded, fmt.Sprintf("cpu load %.2f above ceiling %.2f", sample.CPULoad, c.cfg.CPULoadCeiling)
	}
	return 0, ""
}

func (c *Controller) acquire(host string) (*addrCounter, bool) {
	limit := int64(c.cfg.PerAddressCap)
	for {
		v, _ := c.counters.LoadOrStore(host, &addrCounter{})
		counter := v.(*addrCounter)
		for {
			cur := counter.n.Load()
			if cur < 0 {
				break
			}
			if cur >= limit {
				return nil, false
			}
			if counter.n.CompareAndSwap(cur, cur+1) {
				return counter, true
			}
		}
		// Pruned concurrently; drop the stale entry and retry.
		c.counters.CompareAndDelete(host, counter)
	}
}

// Active returns the current connection count for remote's host.
func (c *Controller) Active(remote string) int64 {
	v, ok := c.counters.Load(normalizeRemoteAddr(remote))
	if !ok {
		return 0
	}
	n := v.(*addrCounter).n.Load()
	if n < 0 {
		return 0
	}
	return n
}

// prune drops counters that have fallen to zero.
func (c *Controller) prune() int {
	removed := 0
	c.counters.Range(func(key, value any) bool {
		counter := value.(*addrCounter)
		if counter.n.CompareAndSwap(0, -1) {
			c.counters.CompareAndDelete(key, counter)
			removed++
		}
		return true
	})
	return removed
}

// normalizeRemoteAddr extracts just the host component so port rotation
// does not evade the per-address cap.
func normalizeRemoteAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host
	}
	return strings.Trim(raw, "[]")
}

package admission

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/relayd/internal/loadsample"
	"pkt.systems/relayd/internal/logcapture"
)

type staticLoad struct {
	sample atomic.Pointer[loadsample.Sample]
}

func newStaticLoad(free int64, cpu float64) *staticLoad {
	l := &staticLoad{}
	l.set(free, cpu)
	return l
}

func (l *staticLoad) set(free int64, cpu float64) {
	l.sample.Store(&loadsample.Sample{FreeHandles: free, CPULoad: cpu, CollectedAt: time.Now()})
}

func (l *staticLoad) Latest() *loadsample.Sample { return l.sample.Load() }

func TestOverloadedBeatsPerAddressState(t *testing.T) {
	load := newStaticLoad(5, 0.1)
	c := NewController(Config{FreeHandleFloor: 10, PerAddressCap: 2}, load, nil)

	_, err := c.Decide("192.0.2.10:4000")
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected overloaded, got %v", err)
	}
	var rejection *Rejection
	if !errors.As(err, &rejection) || rejection.Reason != Overloaded {
		t.Fatalf("expected Overloaded rejection, got %v", err)
	}
	if got := c.Active("192.0.2.10"); got != 0 {
		t.Fatalf("overload decision touched per-address state: %d", got)
	}
	if _, ok := c.counters.Load("192.0.2.10"); ok {
		t.Fatal("overload decision created a per-address counter")
	}

	load.set(50, 0.1)
	ticket, err := c.Decide("192.0.2.10:4000")
	if err != nil {
		t.Fatalf("expected admission after recovery: %v", err)
	}
	ticket.Release()
}

func TestCPUCeiling(t *testing.T) {
	load := newStaticLoad(1000, 0.97)
	c := NewController(Config{CPULoadCeiling: 0.9}, load, nil)
	if _, err := c.Decide("198.51.100.1:1"); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected overloaded, got %v", err)
	}
	load.set(1000, 0.5)
	if _, err := c.Decide("198.51.100.1:1"); err != nil {
		t.Fatalf("expected admit: %v", err)
	}
}

func TestPerAddressCap(t *testing.T) {
	c := NewController(Config{PerAddressCap: 2}, newStaticLoad(1000, 0), nil)
	a1, err := c.Decide("10.0.0.1:1001")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := c.Decide("10.0.0.1:1002"); err != nil {
		t.Fatalf("second: %v", err)
	}
	if _, err := c.Decide("10.0.0.1:1003"); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("third from same host: expected too many connections, got %v", err)
	}
	if _, err := c.Decide("10.0.0.2:1001"); err != nil {
		t.Fatalf("other host must be admitted: %v", err)
	}
	if got := c.Active("10.0.0.1"); got != 2 {
		t.Fatalf("rejected attempt must not leave a slot taken, active=%d", got)
	}

	a1.Release()
	a1.Release()
	if got := c.Active("10.0.0.1"); got != 1 {
		t.Fatalf("release must be idempotent, active=%d", got)
	}
	if _, err := c.Decide("10.0.0.1:1004"); err != nil {
		t.Fatalf("slot should be free after release: %v", err)
	}
}

func TestNilLoadAndMissingSampleAdmit(t *testing.T) {
	c := NewController(Config{FreeHandleFloor: 10}, nil, nil)
	if _, err := c.Decide("a:1"); err != nil {
		t.Fatalf("nil load source: %v", err)
	}
	c = NewController(Config{FreeHandleFloor: 10}, &staticLoad{}, nil)
	if _, err := c.Decide("a:1"); err != nil {
		t.Fatalf("missing sample: %v", err)
	}
}

func TestConcurrentDecisionsNeverExceedCap(t *testing.T) {
	const limit = 3
	c := NewController(Config{PerAddressCap: limit}, newStaticLoad(1000, 0), nil)
	var (
		wg      sync.WaitGroup
		current atomic.Int64
		peak    atomic.Int64
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ticket, err := c.Decide(fmt.Sprintf("203.0.113.7:%d", 1000+i))
				if err != nil {
					if i%8 == 0 {
						c.prune()
					}
					continue
				}
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				current.Add(-1)
				ticket.Release()
			}
		}(i)
	}
	wg.Wait()
	if peak.Load() > limit {
		t.Fatalf("cap exceeded: peak %d", peak.Load())
	}
	if got := c.Active("203.0.113.7"); got != 0 {
		t.Fatalf("leaked slots: %d", got)
	}
}

func TestPruneRemovesIdleCounters(t *testing.T) {
	c := NewController(Config{PerAddressCap: 1}, nil, nil)
	ticket, _ := c.Decide("10.1.1.1:1")
	if removed := c.prune(); removed != 0 {
		t.Fatalf("pruned a live counter")
	}
	ticket.Release()
	if removed := c.prune(); removed != 1 {
		t.Fatalf("expected one pruned counter, got %d", removed)
	}
	if _, err := c.Decide("10.1.1.1:2"); err != nil {
		t.Fatalf("decide after prune: %v", err)
	}
	if got := c.Active("10.1.1.1"); got != 1 {
		t.Fatalf("active after prune = %d", got)
	}
}

func TestGuardedListenerRepliesAndCloses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	logger := logcapture.New()
	load := newStaticLoad(1000, 0)
	c := NewController(Config{PerAddressCap: 1, FreeHandleFloor: 10}, load, logger)
	guarded := c.WrapListener(ln, func(w io.Writer, r *Rejection) error {
		_, err := io.WriteString(w, "FAULT "+r.Reason.String())
		return err
	})

	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := guarded.Accept()
			if err != nil {
				close(accepted)
				return
			}
			accepted <- conn
		}
	}()

	first, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	var admitted net.Conn
	select {
	case admitted = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("first connection not admitted")
	}
	if _, ok := admitted.(*Conn); !ok {
		t.Fatalf("expected *Conn, got %T", admitted)
	}

	second, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, _ := io.ReadAll(second)
	second.Close()
	if string(reply) != "FAULT too_many_connections" {
		t.Fatalf("unexpected reply %q", reply)
	}

	load.set(1, 0)
	third, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = third.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, _ = io.ReadAll(third)
	third.Close()
	if len(reply) != 0 {
		t.Fatalf("overloaded connection must close silently, got %q", reply)
	}

	if c.Tracked() != 1 {
		t.Fatalf("expected one tracked connection, got %d", c.Tracked())
	}
	_ = admitted.Close()
	_ = admitted.Close()
	if c.Tracked() != 0 || c.Active("127.0.0.1") != 0 {
		t.Fatalf("close did not release: tracked=%d active=%d", c.Tracked(), c.Active("127.0.0.1"))
	}
	if logger.Count("relayd.admission.rejected") != 2 {
		t.Fatalf("expected two rejection logs, got %v", logger.Entries())
	}
}

type pipeListener struct {
	conns chan net.Conn
}

func (p *pipeListener) Accept() (net.Conn, error) {
	conn, ok := <-p.conns
	if !ok {
		return nil, net.ErrClosed
	}
	return conn, nil
}
func (p *pipeListener) Close() error   { return nil }
func (p *pipeListener) Addr() net.Addr { return fakeAddr("pipe") }

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

type addrConn struct {
	net.Conn
	remote string
}

func (c addrConn) RemoteAddr() net.Addr { return fakeAddr(c.remote) }

func TestSweepClosesIdleUnparsedConnections(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewController(Config{IdleTimeout: time.Second, PerAddressCap: 4}, nil, logcapture.New())
	c.now = func() time.Time { return now }

	src := &pipeListener{conns: make(chan net.Conn, 2)}
	guarded := c.WrapListener(src, nil)

	idleServer, idleClient := net.Pipe()
	defer idleClient.Close()
	busyServer, busyClient := net.Pipe()
	defer busyClient.Close()
	src.conns <- addrConn{Conn: idleServer, remote: "192.0.2.1:1"}
	src.conns <- addrConn{Conn: busyServer, remote: "192.0.2.1:2"}

	idle, _ := guarded.Accept()
	busy, _ := guarded.Accept()
	busy.(*Conn).MarkParsed()

	now = now.Add(500 * time.Millisecond)
	if closed := c.Sweep(); closed != 0 {
		t.Fatalf("closed %d connections before the idle timeout", closed)
	}
	now = now.Add(time.Second)
	if closed := c.Sweep(); closed != 1 {
		t.Fatalf("expected one idle connection closed, got %d", closed)
	}
	if _, err := idle.Write([]byte("x")); err == nil {
		t.Fatal("idle connection should be closed")
	}
	if c.Active("192.0.2.1") != 1 {
		t.Fatalf("idle close must release its ticket, active=%d", c.Active("192.0.2.1"))
	}
	if closed := c.CloseUnparsed(); closed != 0 {
		t.Fatalf("parsed connection must survive CloseUnparsed, closed=%d", closed)
	}
	_ = busy.Close()
}

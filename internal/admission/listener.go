package admission

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
)

// FaultWriter writes a terminal fault for a rejected connection.
type FaultWriter func(w io.Writer, rejection *Rejection) error

// faultWriteTimeout bounds how long a rejected peer may stall the fault write.
const faultWriteTimeout = 2 * time.Second

// WrapListener returns a listener that only yields admitted connections.
// Overloaded connections are closed without a reply; per-address rejections
// receive a fault from fault (when non-nil) before closing. Returned
// connections are *Conn values that release their ticket on Close.
func (c *Controller) WrapListener(ln net.Listener, fault FaultWriter) net.Listener {
	if c == nil || ln == nil {
		return ln
	}
	if c.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, c.cfg.MaxConnections)
	}
	return &guardedListener{Listener: ln, c: c, fault: fault}
}

type guardedListener struct {
	net.Listener
	c     *Controller
	fault FaultWriter
}

// Accept loops until a connection is admitted or the listener fails.
func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		remote := remoteAddress(conn)
		ticket, err := l.c.Decide(remote)
		if err == nil {
			return l.c.track(conn, ticket), nil
		}
		var rejection *Rejection
		if !errors.As(err, &rejection) {
			_ = conn.Close()
			continue
		}
		switch rejection.Reason {
		case Overloaded:
			l.c.logger.Debug("relayd.admission.rejected", "remote", remote, "reason", rejection.Reason, "detail", rejection.Detail)
		case TooManyConnections:
			l.c.logger.Warn("relayd.admission.rejected", "remote", remote, "reason", rejection.Reason, "detail", rejection.Detail)
			if l.fault != nil {
				_ = conn.SetWriteDeadline(l.c.now().Add(faultWriteTimeout))
				if ferr := l.fault(conn, rejection); ferr != nil {
					l.c.logger.Debug("relayd.admission.fault_write_failed", "remote", remote, "error", ferr)
				}
			}
		}
		_ = conn.Close()
	}
}

func remoteAddress(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

// Conn is an admitted connection.
type Conn struct {
	net.Conn
	ticket   *Ticket
	c        *Controller
	lastRead atomic.Int64
	parsed   atomic.Bool
	once     sync.Once
	closeErr error
}

func (c *Controller) track(conn net.Conn, ticket *Ticket) *Conn {
	tc := &Conn{Conn: conn, ticket: ticket, c: c}
	tc.lastRead.Store(c.now().UnixNano())
	c.conns.Store(tc, struct{}{})
	return tc
}

// Read records activity for idle reclamation.
func (t *Conn) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if n > 0 {
		t.lastRead.Store(t.c.now().UnixNano())
	}
	return n, err
}

// MarkParsed exempts the connection from shutdown reclamation of
// connections that have not yet delivered a complete envelope.
func (t *Conn) MarkParsed() { t.parsed.Store(true) }

// Ticket returns the admission ticket.
func (t *Conn) Ticket() *Ticket { return t.ticket }

// Close closes the socket and releases the ticket exactly once.
func (t *Conn) Close() error {
	t.once.Do(func() {
		t.closeErr = t.Conn.Close()
		t.ticket.Release()
		t.c.conns.Delete(t)
	})
	return t.closeErr
}

// Tracked returns the number of open admitted connections.
func (c *Controller) Tracked() int {
	n := 0
	c.conns.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// CloseUnparsed closes admitted connections that have not delivered a full
// envelope. It is used during shutdown.
func (c *Controller) CloseUnparsed() int {
	closed := 0
	c.conns.Range(func(key, _ any) bool {
		tc := key.(*Conn)
		if !tc.parsed.Load() {
			_ = tc.Close()
			closed++
		}
		return true
	})
	return closed
}

// Sweep closes connections idle for longer than IdleTimeout and prunes
// empty per-address counters. It returns how many connections were closed.
func (c *Controller) Sweep() int {
	c.prune()
	if c.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := c.now().Add(-c.cfg.IdleTimeout).UnixNano()
	closed := 0
	c.conns.Range(func(key, _ any) bool {
		tc := key.(*Conn)
		if tc.parsed.Load() {
			return true
		}
		if tc.lastRead.Load() < cutoff {
			c.logger.Info("relayd.admission.idle_closed", "remote", remoteAddress(tc.Conn), "idle_timeout", c.cfg.IdleTimeout)
			_ = tc.Close()
			c.metrics.idleClosed()
			closed++
		}
		return true
	})
	return closed
}

// RunSweeper sweeps every SweepInterval until ctx is done.
func (c *Controller) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

package gateway

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glowlabs-org/threadgroup"
	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/admission"
	"pkt.systems/relayd/internal/correlation"
	"pkt.systems/relayd/internal/digest"
	"pkt.systems/relayd/internal/envelope"
	"pkt.systems/relayd/internal/messagelog"
	"pkt.systems/relayd/internal/svcfields"
)

const (
	// DefaultReadTimeout bounds delivery of one request envelope.
	DefaultReadTimeout = 30 * time.Second
	// DefaultHandleTimeout bounds signing, forwarding and logging.
	DefaultHandleTimeout = 2 * time.Minute
	// DefaultWriteTimeout bounds writing the reply.
	DefaultWriteTimeout = 30 * time.Second
)

// ServerConfig tunes the connection handling around a Pipeline.
type ServerConfig struct {
	ReadTimeout   time.Duration
	HandleTimeout time.Duration
	WriteTimeout  time.Duration
	// OnStopAccepting runs once the listener is closed and before in-flight
	// workers are awaited; the server uses it to drop unparsed connections.
	OnStopAccepting func()
	// OnHalted is called once when the log reports a durability failure.
	OnHalted func(error)
	Logger   pslog.Logger
}

// Server accepts one envelope per connection and answers with the reply
// or a fault envelope. Each connection runs in its own worker.
type Server struct {
	pipeline *Pipeline
	cfg      ServerConfig
	logger   pslog.Logger
	tg       threadgroup.ThreadGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener

	halted   atomic.Bool
	haltOnce sync.Once
	inFlight atomic.Int64
}

// NewServer wraps p.
func NewServer(p *Pipeline, cfg ServerConfig) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = DefaultHandleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		pipeline: p,
		cfg:      cfg,
		logger:   svcfields.WithSubsystem(cfg.Logger, "server.gateway"),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.tg.AfterStop(func() error {
		cancel()
		return nil
	})
	return s
}

// Serve starts the accept loop on ln and returns immediately.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.tg.OnStop(func() error {
		err := ln.Close()
		if s.cfg.OnStopAccepting != nil {
			s.cfg.OnStopAccepting()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	return s.tg.Launch(func() {
		s.acceptLoop(ln)
	})
}

// Addr returns the listener address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight messages to finish.
func (s *Server) Stop() error {
	return s.tg.Stop()
}

// Halted reports whether the log has failed and the server is refusing
// messages.
func (s *Server) Halted() bool { return s.halted.Load() }

// InFlight returns the number of connections being served.
func (s *Server) InFlight() int64 { return s.inFlight.Load() }

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		if s.tg.IsStopped() {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			if s.tg.IsStopped() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("relayd.gateway.accept_failed", "error", err)
			select {
			case <-s.tg.StopChan():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if err := s.tg.Launch(func() { s.handleConn(conn) }); err != nil {
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	logger := s.logger.With("conn", xid.New().String(), "remote", conn.RemoteAddr().String())

	if s.halted.Load() {
		s.writeFault(conn, logger, digest.SHA256, "", messagelog.ErrLogHalted)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ReadTimeout+s.cfg.HandleTimeout)
	defer cancel()
	ctx, cid := correlation.Ensure(ctx)
	logger = logger.With("cid", cid)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	req, err := s.pipeline.Codec().Parse(ctx, conn)
	if err != nil {
		logger.Debug("relayd.gateway.parse_failed", "error", err)
		s.writeFault(conn, logger, digest.SHA256, "", err)
		return
	}
	defer req.Close()
	if ac, ok := conn.(*admission.Conn); ok {
		ac.MarkParsed()
	}
	_ = conn.SetReadDeadline(time.Time{})

	reply, err := s.pipeline.Handle(ctx, req)
	if err != nil {
		if errors.Is(err, messagelog.ErrLogHalted) {
			s.halt(err)
		}
		s.writeFault(conn, logger, req.Algorithm, req.MessageID, err)
		return
	}
	defer reply.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := envelope.Encode(conn, reply); err != nil {
		// The record is already durable; the peer must re-query.
		logger.Warn("relayd.gateway.reply_failed", "message_id", req.MessageID, "error", err)
	}
}

func (s *Server) writeFault(conn net.Conn, logger pslog.Logger, alg digest.Algorithm, messageID string, cause error) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := WriteFault(conn, alg, messageID, cause); err != nil {
		logger.Debug("relayd.gateway.fault_write_failed", "error", err)
	}
}

func (s *Server) halt(err error) {
	s.haltOnce.Do(func() {
		s.halted.Store(true)
		s.logger.Error("relayd.gateway.halted", "error", err)
		if s.cfg.OnHalted != nil {
			s.cfg.OnHalted(err)
		}
	})
}

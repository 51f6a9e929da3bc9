package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Bldg-7/airsentry/internal/config"
	"github.com/Bldg-7/airsentry/internal/textlog"
)

const (
	acceptDeadline = 1 * time.Second
	drainTimeout   = 2 * time.Second

	keepaliveIdle     = 60 * time.Second
	keepaliveInterval = 10 * time.Second
	keepaliveCount    = 3
)

// Server owns the TCP listener and the per-connection goroutines.
type Server struct {
	cfg        *config.Config
	logger     *zap.Logger
	dispatcher *Dispatcher
	registry   *Registry
	text       *textlog.Writer
	tlsConfig  *tls.Config
	metrics    *Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	listener *net.TCPListener
}

// NewServer wires the ingest listener. dispatcher and registry must be
// built by the caller so the HTTP layer can share them.
func NewServer(cfg *config.Config, dispatcher *Dispatcher, registry *Registry, text *textlog.Writer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	tlsConfig := LoadTLSConfig(cfg.Security.TLS, logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		logger:     logger,
		dispatcher: dispatcher,
		registry:   registry,
		text:       text,
		tlsConfig:  tlsConfig,
		metrics:    GetMetrics(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start binds the listener and launches the accept loop. It returns an
// error if the bind fails.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.BindHost, s.cfg.Server.BindPort)
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		s.logger.Error("failed to bind", zap.String("addr", addr), zap.Error(err))
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	s.listener = listener

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.logger.Info("ingest listener started",
		zap.String("addr", addr),
		zap.Bool("tls", s.tlsConfig != nil),
	)
	if s.text != nil {
		s.text.Run("listening on %s (tls=%v)", addr, s.tlsConfig != nil)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound listener address, for tests using port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptLoop accepts until shutdown. The accept deadline recurs so the
// loop observes cancellation without a second wakeup mechanism.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.listener.SetDeadline(time.Now().Add(acceptDeadline))
		tcpConn, err := s.listener.AcceptTCP()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn("accept failed", zap.Error(err))
			s.metrics.RecordConnection("failed")
			continue
		}

		if err := tcpConn.SetKeepAliveConfig(net.KeepAliveConfig{
			Enable:   true,
			Idle:     keepaliveIdle,
			Interval: keepaliveInterval,
			Count:    keepaliveCount,
		}); err != nil {
			s.logger.Debug("keepalive config failed", zap.Error(err))
		}

		// The TLS handshake happens lazily on first read inside the
		// connection goroutine, so a stalled handshake cannot block
		// the accept loop.
		var netConn net.Conn = tcpConn
		if s.tlsConfig != nil {
			netConn = tls.Server(tcpConn, s.tlsConfig)
		}

		s.metrics.RecordConnection("accepted")
		s.wg.Add(1)
		go s.handleConn(netConn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	defer s.wg.Done()

	c := newConn(netConn, s.dispatcher, s.logger)
	peer := c.Peer()
	s.registry.Insert(c)
	s.metrics.SetActiveConnections(int64(s.registry.Count()))
	s.logger.Info("connection accepted", zap.String("peer", peer))
	if s.text != nil {
		s.text.Run("connect %s", peer)
	}

	defer func() {
		c.close()
		s.registry.Remove(peer)
		s.metrics.RecordConnection("closed")
		s.metrics.SetActiveConnections(int64(s.registry.Count()))
		s.logger.Info("connection closed",
			zap.String("peer", peer),
			zap.String("sid", c.SessionSnapshot().SensorID),
		)
		if s.text != nil {
			s.text.Run("disconnect %s", peer)
		}
	}()

	go c.writePump()
	c.readPump(s.ctx)
}

// Stop closes the listener and waits for connection handlers to drain,
// up to the drain timeout.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("ingest listener shutting down")
	if s.text != nil {
		s.text.Run("shutting down")
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections drained")
	case <-time.After(drainTimeout):
		s.logger.Warn("drain timeout, abandoning remaining connections")
	}
	return nil
}

package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Bldg-7/airsentry/internal/protocol"
	"github.com/Bldg-7/airsentry/internal/shared"
)

const (
	writeWait     = 10 * time.Second
	readWindow    = 60 * time.Second
	sendQueueSize = 256
)

// Conn owns one accepted sensor socket. Session state is mutated only via
// withSession; the read loop runs on the accept goroutine and writes go
// through a buffered queue drained by writePump.
type Conn struct {
	netConn    net.Conn
	logger     *zap.Logger
	dispatcher *Dispatcher

	send chan []byte
	done chan struct{}
	once sync.Once

	outSeq atomic.Uint64
	guard  *replayGuard

	mu        sync.Mutex
	session   Session
	firstSeen map[string]bool
}

func newConn(netConn net.Conn, dispatcher *Dispatcher, logger *zap.Logger) *Conn {
	peer := netConn.RemoteAddr().String()
	ip := peer
	if host, _, err := net.SplitHostPort(peer); err == nil {
		ip = host
	}
	now := time.Now()
	return &Conn{
		netConn:    netConn,
		logger:     logger,
		dispatcher: dispatcher,
		send:       make(chan []byte, sendQueueSize),
		done:       make(chan struct{}),
		guard:      newReplayGuard(),
		firstSeen:  make(map[string]bool),
		session: Session{
			SessionID:       shared.NewID(),
			Peer:            peer,
			PeerIP:          ip,
			SensorID:        ip,
			ProtocolVersion: protocol.VersionLegacy,
			ConnectedAt:     now,
			LastRx:          now,
		},
	}
}

func (c *Conn) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Peer
}

// SessionSnapshot returns a copy safe to hand out of the connection.
func (c *Conn) SessionSnapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	s.Capabilities = append([]string(nil), c.session.Capabilities...)
	return s
}

func (c *Conn) withSession(fn func(*Session)) {
	c.mu.Lock()
	fn(&c.session)
	c.mu.Unlock()
}

// NextSeq returns the next outbound sequence number for this session.
func (c *Conn) NextSeq() uint64 {
	return c.outSeq.Add(1)
}

// Enqueue queues one encoded frame for delivery. It reports false when the
// connection is closing or the queue is full; callers drop in that case
// rather than block the producer.
func (c *Conn) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// markFirstSample reports whether this is the first sensor_update seen for
// the sensor ID on this connection.
func (c *Conn) markFirstSample(sid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.firstSeen[sid] {
		return false
	}
	c.firstSeen[sid] = true
	return true
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.netConn.Close()
	})
}

// readPump consumes newline-delimited frames until the socket closes, the
// server shuts down, or a frame exceeds the protocol line limit. Read
// deadlines recur every readWindow so shutdown is observed on idle
// connections; TCP keepalive handles dead peers.
func (c *Conn) readPump(ctx context.Context) {
	defer c.close()

	buf := make([]byte, 4096)
	var pending []byte

	for {
		c.netConn.SetReadDeadline(time.Now().Add(readWindow))
		n, err := c.netConn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := pending[:idx]
				pending = pending[idx+1:]
				if err := c.handleLine(line); err != nil {
					return
				}
			}
			if len(pending) > protocol.MaxLineBytes {
				c.logger.Warn("frame exceeds line limit, closing",
					zap.String("peer", c.Peer()),
					zap.Int("buffered", len(pending)),
				)
				return
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				select {
				case <-ctx.Done():
					return
				case <-c.done:
					return
				default:
					continue
				}
			}
			if err != io.EOF {
				c.logger.Debug("read failed",
					zap.String("peer", c.Peer()),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// handleLine decodes and dispatches one frame. A non-nil return tells the
// read loop to close the connection.
func (c *Conn) handleLine(line []byte) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	msg, err := protocol.Decode(line)
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrLineTooLong):
		c.logger.Warn("frame exceeds line limit, closing",
			zap.String("peer", c.Peer()),
			zap.Error(err),
		)
		return err
	case errors.Is(err, protocol.ErrMissingType):
		c.logger.Warn("frame without type",
			zap.String("peer", c.Peer()),
		)
		// A 2.0 sender gets told; legacy frames drop silently.
		if msg != nil && !msg.Legacy() {
			c.dispatcher.rejectFrame(c, msg)
		}
		return nil
	default:
		c.logger.Warn("undecodable frame dropped",
			zap.String("peer", c.Peer()),
			zap.Error(err),
		)
		return nil
	}

	c.withSession(func(s *Session) {
		s.LastRx = time.Now()
	})
	c.dispatcher.Handle(c, msg)
	return nil
}

func (c *Conn) writePump() {
	defer c.close()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.netConn.SetWriteDeadline(time.Now().Add(writeWait))
			if _, err := c.netConn.Write(frame); err != nil {
				return
			}
			c.withSession(func(s *Session) {
				s.LastTx = time.Now()
			})
		case <-c.done:
			return
		}
	}
}

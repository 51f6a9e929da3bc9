package server

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Bldg-7/airsentry/internal/config"
	"github.com/Bldg-7/airsentry/internal/protocol"
)

// Session is the in-memory state of one accepted connection. It is mutated
// only by the owning connection task; the registry hands out copies.
type Session struct {
	SessionID       string
	Peer            string // "ip:port"
	PeerIP          string
	SensorID        string
	ProtocolVersion string
	FirmwareVersion string
	Capabilities    []string
	ConnectedAt     time.Time
	LastRx          time.Time
	LastTx          time.Time
	SequenceCounter uint64
	Authenticated   bool
}

var ErrSessionNotFound = errors.New("session not found")

// Registry tracks live connections keyed by peer address. The mutex guards
// map operations only and is never held across I/O; pushes are enqueued on
// copied handles outside the lock.
type Registry struct {
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger: logger,
		conns:  make(map[string]*Conn),
	}
}

func (r *Registry) Insert(c *Conn) {
	r.mu.Lock()
	r.conns[c.Peer()] = c
	r.mu.Unlock()
}

func (r *Registry) Remove(peer string) {
	r.mu.Lock()
	delete(r.conns, peer)
	r.mu.Unlock()
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Snapshot returns copies of every session matching the filter. A nil
// filter matches everything.
func (r *Registry) Snapshot(filter func(Session) bool) []Session {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	out := make([]Session, 0, len(conns))
	for _, c := range conns {
		s := c.SessionSnapshot()
		if filter == nil || filter(s) {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll force-closes every live connection so shutdown does not wait
// out idle read windows.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// Get returns a copy of the session for one peer.
func (r *Registry) Get(peer string) (Session, error) {
	r.mu.Lock()
	c, ok := r.conns[peer]
	r.mu.Unlock()
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return c.SessionSnapshot(), nil
}

// BroadcastConfigPush enqueues a config_push to every 2.0 session,
// optionally narrowed to one sensor ID, and returns how many were enqueued.
// Sessions whose outbound queue is full simply miss this push; the next
// config_request serves the fresh version.
func (r *Registry) BroadcastConfigPush(snap *config.Snapshot, sensorID string) int {
	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	sent := 0
	for _, c := range targets {
		s := c.SessionSnapshot()
		if s.ProtocolVersion != protocol.VersionBidirectional {
			continue
		}
		if sensorID != "" && s.SensorID != sensorID {
			continue
		}

		push := protocol.NewConfigPush(s.SensorID, snap.Version, snap.Payload(), c.NextSeq())
		frame, err := protocol.Encode(push, snap.HMACSecret)
		if err != nil {
			r.logger.Warn("config push encode failed", zap.String("peer", s.Peer), zap.Error(err))
			continue
		}
		if !c.Enqueue(frame) {
			r.logger.Warn("config push dropped, outbound queue full", zap.String("peer", s.Peer))
			continue
		}
		sent++
	}

	r.logger.Info("config push broadcast",
		zap.String("config_version", snap.Version),
		zap.Int("sessions", sent),
	)
	return sent
}

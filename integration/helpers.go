package integration

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Bldg-7/airsentry/internal/bus"
	"github.com/Bldg-7/airsentry/internal/config"
	"github.com/Bldg-7/airsentry/internal/protocol"
	"github.com/Bldg-7/airsentry/internal/server"
	"github.com/Bldg-7/airsentry/internal/shared"
	"github.com/Bldg-7/airsentry/internal/stats"
	"github.com/Bldg-7/airsentry/internal/store"
	"github.com/Bldg-7/airsentry/internal/textlog"
)

// sentryHarness runs a full ingest stack on a loopback port.
type sentryHarness struct {
	cfg      *config.Config
	cfgStore *config.Store
	db       *store.Store
	registry *server.Registry
	bus      *bus.Bus
	stats    *stats.Engine
	srv      *server.Server
	root     string
}

func newSentryHarness(t *testing.T, mutate func(*config.Config)) *sentryHarness {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.Server.BindHost = "127.0.0.1"
	cfg.Server.BindPort = 0
	cfg.DataRoot = root
	cfg.Database.Path = filepath.Join(root, "logs", "sensor_data.db")
	if mutate != nil {
		mutate(cfg)
	}

	db, err := store.Open(cfg.Database.Path, zap.NewNop())
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	text := textlog.NewWriter(root, zap.NewNop())
	t.Cleanup(func() { text.Close() })

	eventBus := bus.New(zap.NewNop())
	statsEngine := stats.NewEngine()
	cfgStore := config.NewStore(cfg)
	registry := server.NewRegistry(zap.NewNop())

	var auth server.AuthValidator
	if cfg.Security.SensorPassword != "" {
		auth = server.StaticPasswordValidator(cfg.Security.SensorPassword)
	}

	dispatcher := server.NewDispatcher(zap.NewNop(), cfgStore, db, statsEngine, eventBus, text, auth)
	srv := server.NewServer(cfg, dispatcher, registry, text, zap.NewNop())
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &sentryHarness{
		cfg:      cfg,
		cfgStore: cfgStore,
		db:       db,
		registry: registry,
		bus:      eventBus,
		stats:    statsEngine,
		srv:      srv,
		root:     root,
	}
}

// sensorClient is a scripted wire-level sensor.
type sensorClient struct {
	conn   net.Conn
	reader *bufio.Reader
	secret string
	seq    uint64
}

func (h *sentryHarness) dial(t *testing.T) *sensorClient {
	t.Helper()
	conn, err := net.Dial("tcp", h.srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &sensorClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		secret: h.cfg.Security.HMACSecret,
	}
}

func (c *sensorClient) send(t *testing.T, msg *protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg, c.secret)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *sensorClient) sendRaw(t *testing.T, line string) {
	t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *sensorClient) read(t *testing.T) *protocol.Message {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Decode(line)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return msg
}

// expectSilence asserts that no frame arrives within the window.
func (c *sensorClient) expectSilence(t *testing.T, window time.Duration) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(window))
	if line, err := c.reader.ReadBytes('\n'); err == nil {
		t.Fatalf("unexpected frame: %s", line)
	}
}

// hello performs the 2.0 handshake and returns the hello_ack.
func (c *sensorClient) hello(t *testing.T, sid, password string) *protocol.Message {
	t.Helper()
	c.seq++
	c.send(t, &protocol.Message{
		Type:            protocol.TypeHello,
		ID:              sid,
		MsgID:           shared.NewID(),
		Timestamp:       shared.UnixNow(),
		ProtocolVersion: protocol.VersionBidirectional,
		Sequence:        c.seq,
		Password:        password,
		DeviceType:      "integration",
		FirmwareVersion: "2.1.0",
		Capabilities:    []string{"co2", "water"},
	})
	ack := c.read(t)
	if ack.Type != protocol.TypeHelloAck {
		t.Fatalf("handshake reply = %+v", ack)
	}
	return ack
}

// update sends a 2.0 sensor_update and returns its msg_id.
func (c *sensorClient) update(t *testing.T, sid, password string, data map[string]any) string {
	t.Helper()
	c.seq++
	msgID := shared.NewID()
	c.send(t, &protocol.Message{
		Type:            protocol.TypeSensorUpdate,
		ID:              sid,
		MsgID:           msgID,
		Timestamp:       shared.UnixNow(),
		ProtocolVersion: protocol.VersionBidirectional,
		Sequence:        c.seq,
		Password:        password,
		Data:            data,
	})
	return msgID
}

// localIP is the peer IP the server records for loopback clients.
func (c *sensorClient) localIP(t *testing.T) string {
	t.Helper()
	host, _, err := net.SplitHostPort(c.conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("split local addr: %v", err)
	}
	return host
}

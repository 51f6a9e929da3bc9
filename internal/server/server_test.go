package server

import (
	"bufio"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Bldg-7/airsentry/internal/config"
	"github.com/Bldg-7/airsentry/internal/protocol"
)

func startServer(t *testing.T, h *harness) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Server.BindHost = "127.0.0.1"
	cfg.Server.BindPort = 0

	registry := NewRegistry(zap.NewNop())
	srv := NewServer(cfg, h.dispatcher, registry, nil, zap.NewNop())
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func TestServerAcceptsAndReplies(t *testing.T) {
	h := newHarness(t, nil, nil)
	srv := startServer(t, h)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"type":"hello","id":"gas-01","msg_id":"e1","timestamp":1700000000}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	reply, err := protocol.Decode(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Type != protocol.TypeHelloAck || reply.SessionID == "" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestServerDoubleStartAndStop(t *testing.T) {
	h := newHarness(t, nil, nil)
	srv := startServer(t, h)

	if err := srv.Start(); err == nil {
		t.Fatal("second start succeeded")
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := srv.Stop(); err == nil {
		t.Fatal("second stop succeeded")
	}
}

func TestServerStopClosesConnections(t *testing.T) {
	h := newHarness(t, nil, nil)
	srv := startServer(t, h)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("connection survived shutdown")
	}
}

package server

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Bldg-7/airsentry/internal/protocol"
)

// pipeConn starts readPump over a pipe and returns the client side.
func pipeConn(t *testing.T, d *Dispatcher) (*Conn, net.Conn) {
	t.Helper()
	srv, cli := net.Pipe()
	c := newConn(srv, d, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go c.readPump(ctx)
	t.Cleanup(func() {
		cancel()
		c.close()
		cli.Close()
	})
	return c, cli
}

func TestConnFramesSplitAcrossWrites(t *testing.T) {
	h := newHarness(t, nil, nil)
	c, cli := pipeConn(t, h.dispatcher)

	if _, err := cli.Write([]byte(`{"type":"heart`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := cli.Write([]byte(`beat","id":"x","msg_id":"p1","timestamp":1}` + "\n" +
		`{"type":"heartbeat","id":"x","msg_id":"p2","timestamp":2}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	first := takeReply(t, c)
	second := takeReply(t, c)
	if first.Type != protocol.TypeHeartbeatAck || second.Type != protocol.TypeHeartbeatAck {
		t.Fatalf("replies = %q, %q", first.Type, second.Type)
	}
	if first.RefMsgID != "p1" || second.RefMsgID != "p2" {
		t.Fatalf("ref order = %q, %q", first.RefMsgID, second.RefMsgID)
	}
}

func TestConnBlankAndGarbageLinesIgnored(t *testing.T) {
	h := newHarness(t, nil, nil)
	c, cli := pipeConn(t, h.dispatcher)

	payload := "\n  \nnot json\n" +
		`{"type":"heartbeat","id":"x","msg_id":"g1","timestamp":1}` + "\n"
	if _, err := cli.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if reply := takeReply(t, c); reply.RefMsgID != "g1" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestConnOversizedLineCloses(t *testing.T) {
	h := newHarness(t, nil, nil)
	c, cli := pipeConn(t, h.dispatcher)

	// The pipe is synchronous; the write may be cut short when the read
	// side closes, which is exactly the behavior under test.
	huge := strings.Repeat("a", protocol.MaxLineBytes+1)
	go cli.Write([]byte(huge))

	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("connection not closed on oversized frame")
	}
}

func TestConnOversizedTerminatedLineCloses(t *testing.T) {
	h := newHarness(t, nil, nil)
	c, cli := pipeConn(t, h.dispatcher)

	// Newline-terminated but over the limit: the frame reaches the decoder
	// and must still cost the sender its connection.
	huge := strings.Repeat("a", protocol.MaxLineBytes+100) + "\n"
	go cli.Write([]byte(huge))

	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("connection not closed on oversized terminated frame")
	}
}

func TestConnMissingTypeV2GetsBadRequest(t *testing.T) {
	h := newHarness(t, nil, nil)
	c, cli := pipeConn(t, h.dispatcher)

	if _, err := cli.Write([]byte(`{"id":"x","msg_id":"m1","timestamp":1}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := takeReply(t, c)
	if reply.Type != protocol.TypeError || reply.Code != protocol.CodeBadRequest {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.RefMsgID != "m1" {
		t.Fatalf("ref_msg_id = %q", reply.RefMsgID)
	}

	// The connection survives and keeps serving.
	if _, err := cli.Write([]byte(`{"type":"heartbeat","id":"x","msg_id":"m2","timestamp":2}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ack := takeReply(t, c); ack.Type != protocol.TypeHeartbeatAck {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestConnMissingTypeLegacyDropped(t *testing.T) {
	h := newHarness(t, nil, nil)
	c, cli := pipeConn(t, h.dispatcher)

	// A legacy frame without a type draws no reply; the heartbeat behind it
	// is answered first in line.
	payload := `{"id":"x","data":{"co2":450}}` + "\n" +
		`{"type":"heartbeat","id":"x","msg_id":"m3","timestamp":3}` + "\n"
	if _, err := cli.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if reply := takeReply(t, c); reply.Type != protocol.TypeHeartbeatAck {
		t.Fatalf("reply = %+v", reply)
	}
	assertNoReply(t, c)
}

func TestConnEnqueueAfterClose(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := testConn(t, h.dispatcher)

	if !c.Enqueue([]byte("x\n")) {
		t.Fatal("enqueue on live conn failed")
	}
	c.close()
	if c.Enqueue([]byte("y\n")) {
		t.Fatal("enqueue accepted after close")
	}
}

func TestConnEnqueueFullQueue(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := testConn(t, h.dispatcher)

	for i := 0; i < sendQueueSize; i++ {
		if !c.Enqueue([]byte("x\n")) {
			t.Fatalf("enqueue %d failed before capacity", i)
		}
	}
	if c.Enqueue([]byte("overflow\n")) {
		t.Fatal("enqueue accepted beyond capacity")
	}
}

func TestConnSeqMonotonic(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := testConn(t, h.dispatcher)

	if a, b := c.NextSeq(), c.NextSeq(); a != 1 || b != 2 {
		t.Fatalf("seq = %d, %d", a, b)
	}
}

func TestConnWritePumpDelivers(t *testing.T) {
	h := newHarness(t, nil, nil)
	srv, cli := net.Pipe()
	c := newConn(srv, h.dispatcher, zap.NewNop())
	go c.writePump()
	t.Cleanup(func() {
		c.close()
		cli.Close()
	})

	if !c.Enqueue([]byte("hello\n")) {
		t.Fatal("enqueue failed")
	}
	buf := make([]byte, 16)
	cli.SetReadDeadline(time.Now().Add(time.Second))
	n, err := cli.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello\n" {
		t.Fatalf("delivered = %q", buf[:n])
	}
	if c.SessionSnapshot().LastTx.IsZero() {
		t.Fatal("last_tx not updated")
	}
}

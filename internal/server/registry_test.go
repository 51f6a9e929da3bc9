package server

import (
	"testing"

	"go.uber.org/zap"

	"github.com/Bldg-7/airsentry/internal/protocol"
)

func TestRegistryLifecycle(t *testing.T) {
	h := newHarness(t, nil, nil)
	r := NewRegistry(zap.NewNop())
	c := testConn(t, h.dispatcher)

	r.Insert(c)
	if r.Count() != 1 {
		t.Fatalf("count = %d", r.Count())
	}

	s, err := r.Get(c.Peer())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.SessionID == "" || s.Peer != c.Peer() {
		t.Fatalf("session = %+v", s)
	}

	r.Remove(c.Peer())
	if r.Count() != 0 {
		t.Fatalf("count after remove = %d", r.Count())
	}
	if _, err := r.Get(c.Peer()); err != ErrSessionNotFound {
		t.Fatalf("get after remove: %v", err)
	}
}

func TestRegistrySnapshotFilter(t *testing.T) {
	h := newHarness(t, nil, nil)
	r := NewRegistry(zap.NewNop())
	c := testConn(t, h.dispatcher)
	r.Insert(c)

	all := r.Snapshot(nil)
	if len(all) != 1 {
		t.Fatalf("snapshot = %+v", all)
	}

	none := r.Snapshot(func(s Session) bool {
		return s.ProtocolVersion == protocol.VersionBidirectional
	})
	if len(none) != 0 {
		t.Fatalf("filter should exclude legacy sessions, got %+v", none)
	}
}

func TestBroadcastConfigPush(t *testing.T) {
	h := newHarness(t, nil, nil)
	r := NewRegistry(zap.NewNop())
	c := testConn(t, h.dispatcher)
	r.Insert(c)

	snap := h.cfgStore.Load()

	// The session is still legacy; nothing to push.
	if sent := r.BroadcastConfigPush(snap, ""); sent != 0 {
		t.Fatalf("sent to legacy session: %d", sent)
	}

	hello := decodeMsg(t, `{"type":"hello","id":"gas-01","msg_id":"b1","timestamp":1700000000}`)
	h.dispatcher.Handle(c, hello)
	takeReply(t, c)

	if sent := r.BroadcastConfigPush(snap, ""); sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	push := takeReply(t, c)
	if push.Type != protocol.TypeConfigPush {
		t.Fatalf("push type = %q", push.Type)
	}
	if push.ConfigVersion != snap.Version {
		t.Fatalf("push config_version = %q, want %q", push.ConfigVersion, snap.Version)
	}

	// Narrowing to a different sensor skips this session.
	if sent := r.BroadcastConfigPush(snap, "other-sensor"); sent != 0 {
		t.Fatalf("sent = %d, want 0", sent)
	}
}

func TestReplayGuard(t *testing.T) {
	g := newReplayGuard()

	if g.seen("m1") {
		t.Fatal("fresh id reported as seen")
	}
	if !g.seen("m1") {
		t.Fatal("repeat id not reported")
	}
	if g.seen("") || g.seen("") {
		t.Fatal("empty id must never dedupe")
	}
}

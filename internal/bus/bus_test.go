package bus

import (
	"testing"

	"go.uber.org/zap"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(zap.NewNop())

	b.Publish(KindData, Event{SID: "s1", Peer: "p1", Data: map[string]float64{"co2": 800}})

	select {
	case ev := <-b.Subscribe(KindData):
		if ev.SID != "s1" || ev.Data["co2"] != 800 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("no event on data channel")
	}

	select {
	case <-b.Subscribe(KindGasAlert):
		t.Fatal("data event leaked onto gas_alert channel")
	default:
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := NewWithCapacity(zap.NewNop(), 4)

	for i := 0; i < 6; i++ {
		b.Publish(KindGasAlert, Event{SID: "s", CurrentValue: float64(i)})
	}

	if got := b.Dropped(KindGasAlert); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}

	// The survivors are the newest four.
	want := 2.0
	ch := b.Subscribe(KindGasAlert)
	for i := 0; i < 4; i++ {
		ev := <-ch
		if ev.CurrentValue != want {
			t.Fatalf("event %d = %v, want %v", i, ev.CurrentValue, want)
		}
		want++
	}
}

func TestDropHookObservesSheds(t *testing.T) {
	b := NewWithCapacity(zap.NewNop(), 4)

	var hooked []Kind
	b.OnDrop(func(kind Kind) { hooked = append(hooked, kind) })

	for i := 0; i < 6; i++ {
		b.Publish(KindGasAlert, Event{SID: "s", CurrentValue: float64(i)})
	}

	if len(hooked) != 2 {
		t.Fatalf("hook calls = %d, want 2", len(hooked))
	}
	for _, kind := range hooked {
		if kind != KindGasAlert {
			t.Fatalf("hook kind = %q", kind)
		}
	}
	if got := b.Dropped(KindGasAlert); got != uint64(len(hooked)) {
		t.Fatalf("counter %d diverges from hook calls %d", got, len(hooked))
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewWithCapacity(zap.NewNop(), 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			b.Publish(KindWaterAlert, Event{SID: "s"})
		}
		close(done)
	}()

	<-done
	if b.Dropped(KindWaterAlert) == 0 {
		t.Fatal("expected drops with stalled consumer")
	}
}

func TestUnknownKindIgnored(t *testing.T) {
	b := New(zap.NewNop())
	b.Publish(Kind("bogus"), Event{})
	if b.Dropped(Kind("bogus")) != 0 {
		t.Fatal("unknown kind should be a no-op")
	}
}

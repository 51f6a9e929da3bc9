package store

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/Bldg-7/airsentry/internal/shared"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sensor_data.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigratesLegacyColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensor_data.db")

	s, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening must not trip on the already-added columns.
	s, err = Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s.Close()

	err = s.InsertReading(Reading{
		TS: shared.UnixNow(), Date: shared.DayBucketNow(),
		SID: "s1", PeerIP: "10.0.0.1",
		Values: map[string]float64{"smoke": 3, "water": 0},
	})
	if err != nil {
		t.Fatalf("insert into legacy columns: %v", err)
	}
}

func TestInsertAndReadBackCH4Alias(t *testing.T) {
	s := openTestStore(t)

	err := s.InsertReading(Reading{
		TS: shared.UnixNow(), Date: shared.DayBucketNow(),
		SID: "old", PeerIP: "10.0.0.9",
		Values: map[string]float64{"co2": 400, "ch4": 5},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	values, err := s.ReadingValues("old", "10.0.0.9")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if values["ch4"] != 5 {
		t.Fatalf("ch4 round-trip failed: %v", values)
	}
	if values["co2"] != 400 {
		t.Fatalf("co2 lost: %v", values)
	}
}

func TestTodayStats(t *testing.T) {
	s := openTestStore(t)

	now := shared.UnixNow()
	today := shared.DayBucketNow()
	for _, v := range []float64{400, 800, 600} {
		err := s.InsertReading(Reading{
			TS: now, Date: today, SID: "s1", PeerIP: "p1",
			Values: map[string]float64{"co2": v},
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	st, err := s.TodayStats("s1", "p1", "co2")
	if err != nil {
		t.Fatalf("today stats: %v", err)
	}
	if st == nil || st.Count != 3 || st.Min != 400 || st.Max != 800 || st.Avg != 600 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	empty, err := s.TodayStats("s1", "p1", "h2s")
	if err != nil {
		t.Fatalf("today stats empty kind: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected nil stats, got %+v", empty)
	}

	if _, err := s.TodayStats("s1", "p1", "bogus"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestTodayStatsCacheWindow(t *testing.T) {
	s := openTestStore(t)

	now := shared.UnixNow()
	today := shared.DayBucketNow()
	if err := s.InsertReading(Reading{TS: now, Date: today, SID: "s1", PeerIP: "p1",
		Values: map[string]float64{"co2": 500}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first, err := s.TodayStats("s1", "p1", "co2")
	if err != nil {
		t.Fatalf("first query: %v", err)
	}

	// A write inside the TTL window is not visible yet.
	if err := s.InsertReading(Reading{TS: now, Date: today, SID: "s1", PeerIP: "p1",
		Values: map[string]float64{"co2": 900}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	second, err := s.TodayStats("s1", "p1", "co2")
	if err != nil {
		t.Fatalf("second query: %v", err)
	}
	if second != first {
		t.Fatal("expected cached result within TTL")
	}
}

func TestSeriesHours(t *testing.T) {
	s := openTestStore(t)

	now := shared.UnixNow()
	today := shared.DayBucketNow()
	insert := func(ts, v float64) {
		t.Helper()
		if err := s.InsertReading(Reading{TS: ts, Date: today, SID: "s1", PeerIP: "p1",
			Values: map[string]float64{"o2": v}}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	insert(now-7200, 19.0) // outside a 1-hour window
	insert(now-1800, 20.5)
	insert(now-60, 20.9)

	series, err := s.SeriesHours("s1", "p1", "o2", 1)
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("expected 2 points, got %d", len(series))
	}
	if series[0].Value != 20.5 || series[1].Value != 20.9 {
		t.Fatalf("series out of order: %+v", series)
	}

	wide, err := s.SeriesHours("s1", "p1", "o2", 3)
	if err != nil {
		t.Fatalf("wide series: %v", err)
	}
	if len(wide) != 3 {
		t.Fatalf("expected 3 points in 3h window, got %d", len(wide))
	}
}

func TestTodayAlertsLevelPolicy(t *testing.T) {
	s := openTestStore(t)

	now := shared.UnixNow()
	today := shared.DayBucketNow()
	add := func(sid, kind string, level int) {
		t.Helper()
		if err := s.InsertAlertEvent(AlertEvent{
			TS: now, Date: today, SID: sid, PeerIP: "p1",
			Kind: kind, Level: level, Value: 1,
		}); err != nil {
			t.Fatalf("insert alert: %v", err)
		}
	}
	add("s1", "co2", 2) // logged but not surfaced
	add("s1", "co2", 3)
	add("s1", "h2s", 5)
	add("s2", "co", 4)

	all, err := s.TodayAlerts("")
	if err != nil {
		t.Fatalf("today alerts: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 surfaced alerts, got %d", len(all))
	}
	for _, ev := range all {
		if ev.Level < 3 {
			t.Fatalf("level-2 event surfaced: %+v", ev)
		}
	}

	s1, err := s.TodayAlerts("s1")
	if err != nil {
		t.Fatalf("filtered alerts: %v", err)
	}
	if len(s1) != 2 {
		t.Fatalf("expected 2 alerts for s1, got %d", len(s1))
	}
}

func TestDistinctPeersSameSID(t *testing.T) {
	s := openTestStore(t)

	now := shared.UnixNow()
	today := shared.DayBucketNow()
	for _, peer := range []string{"10.0.0.1", "10.0.0.2"} {
		if err := s.InsertReading(Reading{TS: now, Date: today, SID: "shared", PeerIP: peer,
			Values: map[string]float64{"co2": 100}}); err != nil {
			t.Fatalf("insert for %s: %v", peer, err)
		}
	}

	a, err := s.TodayStats("shared", "10.0.0.1", "co2")
	if err != nil || a == nil || a.Count != 1 {
		t.Fatalf("peer 1 stats: %+v err %v", a, err)
	}
	b, err := s.TodayStats("shared", "10.0.0.2", "co2")
	if err != nil || b == nil || b.Count != 1 {
		t.Fatalf("peer 2 stats: %+v err %v", b, err)
	}
}

package stats

import (
	"testing"
	"time"

	"github.com/Bldg-7/airsentry/internal/shared"
)

func TestPushAndTodayStats(t *testing.T) {
	e := NewEngine()
	now := shared.UnixNow()

	e.Push("s1", "10.0.0.1:5000", now-2, map[string]float64{"co2": 400})
	e.Push("s1", "10.0.0.1:5000", now-1, map[string]float64{"co2": 800})
	e.Push("s1", "10.0.0.1:5000", now, map[string]float64{"co2": 600})

	st := e.TodayStats("s1", "10.0.0.1:5000", "co2")
	if st == nil {
		t.Fatal("expected stats for today")
	}
	if st.Count != 3 || st.Min != 400 || st.Max != 800 || st.Avg != 600 {
		t.Fatalf("unexpected aggregates: %+v", st)
	}

	if e.TodayStats("s1", "10.0.0.1:5000", "o2") != nil {
		t.Fatal("expected nil stats for kind never pushed")
	}
	if e.TodayStats("other", "10.0.0.1:5000", "co2") != nil {
		t.Fatal("expected nil stats for unknown sid")
	}
}

func TestDistinctPeersTrackedSeparately(t *testing.T) {
	e := NewEngine()
	now := shared.UnixNow()

	e.Push("s1", "10.0.0.1:5000", now, map[string]float64{"co2": 100})
	e.Push("s1", "10.0.0.2:5000", now, map[string]float64{"co2": 900})

	a := e.TodayStats("s1", "10.0.0.1:5000", "co2")
	b := e.TodayStats("s1", "10.0.0.2:5000", "co2")
	if a == nil || b == nil {
		t.Fatal("expected stats for both peers")
	}
	if a.Max != 100 || b.Max != 900 {
		t.Fatalf("peer streams mixed: %+v %+v", a, b)
	}
}

func TestSanityFilter(t *testing.T) {
	e := NewEngine()
	now := shared.UnixNow()

	e.Push("s1", "p", now, map[string]float64{
		"co2":         -1,   // legacy no-data sentinel, dropped
		"temperature": -1,   // valid cold reading, kept
		"humidity":    55,   // kept
		"o2":          -1,   // dropped
	})
	e.Push("s1", "p", now, map[string]float64{"temperature": -250}) // glitch, dropped

	if e.TodayStats("s1", "p", "co2") != nil {
		t.Fatal("sentinel co2 value must be dropped")
	}
	if e.TodayStats("s1", "p", "o2") != nil {
		t.Fatal("sentinel o2 value must be dropped")
	}
	st := e.TodayStats("s1", "p", "temperature")
	if st == nil || st.Count != 1 || st.Min != -1 {
		t.Fatalf("temperature -1 must be kept: %+v", st)
	}
	if e.TodayStats("s1", "p", "humidity") == nil {
		t.Fatal("humidity reading lost")
	}
}

func TestLastHourEviction(t *testing.T) {
	e := NewEngine()
	now := shared.UnixNow()

	e.Push("s1", "p", now-7200, map[string]float64{"co2": 100})
	e.Push("s1", "p", now-3700, map[string]float64{"co2": 200})
	e.Push("s1", "p", now-30, map[string]float64{"co2": 300})
	e.Push("s1", "p", now, map[string]float64{"co2": 400})

	pts := e.LastHour("s1", "p", "co2")
	if len(pts) != 2 {
		t.Fatalf("expected 2 retained points, got %d", len(pts))
	}
	if pts[0].Value != 300 || pts[1].Value != 400 {
		t.Fatalf("unexpected series: %+v", pts)
	}

	if e.LastHour("s1", "p", "h2s") != nil {
		t.Fatal("expected nil series for kind never pushed")
	}
}

func TestDayBucketReset(t *testing.T) {
	e := NewEngine()

	yesterday := float64(time.Now().AddDate(0, 0, -1).Unix())
	e.Push("s1", "p", yesterday, map[string]float64{"co2": 9999})

	if e.TodayStats("s1", "p", "co2") != nil {
		t.Fatal("yesterday's aggregates must not appear as today's")
	}

	e.Push("s1", "p", shared.UnixNow(), map[string]float64{"co2": 500})
	st := e.TodayStats("s1", "p", "co2")
	if st == nil {
		t.Fatal("expected stats after today's reading")
	}
	if st.Count != 1 || st.Min != 500 || st.Max != 500 {
		t.Fatalf("aggregates must reflect only today's reading: %+v", st)
	}
}

func TestRingCap(t *testing.T) {
	e := NewEngine()
	now := shared.UnixNow()

	for i := 0; i < maxPoints+100; i++ {
		e.Push("s1", "p", now-1+float64(i)/1e6, map[string]float64{"co2": float64(i)})
	}

	pts := e.LastHour("s1", "p", "co2")
	if len(pts) != maxPoints {
		t.Fatalf("ring not capped: %d points", len(pts))
	}
	if pts[len(pts)-1].Value != float64(maxPoints+99) {
		t.Fatalf("newest point lost: %+v", pts[len(pts)-1])
	}
}

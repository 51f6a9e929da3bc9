package threshold

import "testing"

func TestClassifyMonotoneDefaults(t *testing.T) {
	table := Defaults()

	cases := []struct {
		kind  Kind
		value float64
		want  Level
	}{
		{KindCO2, 400, LevelNormal},
		{KindCO2, 1000, LevelNormal},
		{KindCO2, 1000.1, LevelConcern},
		{KindCO2, 5000, LevelConcern},
		{KindCO2, 9999, LevelCaution},
		{KindCO2, 15000, LevelWarning},
		{KindCO2, 16000, LevelDanger},
		{KindCO, 9, LevelNormal},
		{KindCO, 26, LevelCaution},
		{KindCO, 51, LevelDanger},
		{KindH2S, 0, LevelNormal},
		{KindH2S, 8.5, LevelCaution},
		{KindSmoke, 0, LevelNormal},
		{KindSmoke, 0.5, LevelConcern},
		{KindSmoke, 50, LevelWarning},
		{KindSmoke, 50.1, LevelDanger},
	}

	for _, tc := range cases {
		if got := table.Classify(tc.kind, tc.value); got != tc.want {
			t.Errorf("Classify(%s, %v) = %d, want %d", tc.kind, tc.value, got, tc.want)
		}
	}
}

// ch4 levels 3 and 4 share the 50 cut; the boundary resolves to the stricter level.
func TestClassifySharedBoundary(t *testing.T) {
	table := Defaults()

	if got := table.Classify(KindCH4, 30); got != LevelCaution {
		t.Fatalf("ch4 30 = %d, want %d", got, LevelCaution)
	}
	if got := table.Classify(KindCH4, 50); got != LevelWarning {
		t.Fatalf("ch4 50 = %d, want %d", got, LevelWarning)
	}
	if got := table.Classify(KindCH4, 50.1); got != LevelDanger {
		t.Fatalf("ch4 50.1 = %d, want %d", got, LevelDanger)
	}
	if got := table.Classify(KindHumidity, 80); got != LevelWarning {
		t.Fatalf("humidity 80 = %d, want %d", got, LevelWarning)
	}
}

func TestClassifyMonotonicity(t *testing.T) {
	table := Defaults()
	kinds := []Kind{KindCO2, KindCO, KindH2S, KindCH4, KindSmoke}

	for _, kind := range kinds {
		prev := LevelNormal
		for v := 0.0; v <= 20000; v += 7.3 {
			level := table.Classify(kind, v)
			if level < prev {
				t.Fatalf("%s: classify(%v)=%d below classify of smaller value %d", kind, v, level, prev)
			}
			prev = level
		}
	}
}

func TestClassifyRangeKinds(t *testing.T) {
	table := Defaults()

	cases := []struct {
		kind  Kind
		value float64
		want  Level
	}{
		{KindO2, 19.5, LevelNormal},
		{KindO2, 20.9, LevelNormal},
		{KindO2, 19.2, LevelConcern},
		{KindO2, 18.7, LevelCaution},
		{KindO2, 18.2, LevelWarning},
		{KindO2, 17.0, LevelDanger},
		{KindO2, 24.5, LevelDanger},
		{KindTemperature, 22, LevelNormal},
		{KindTemperature, 31, LevelCaution},
		{KindTemperature, 9, LevelDanger},
		{KindHumidity, 50, LevelNormal},
		{KindHumidity, 25, LevelCaution},
		{KindHumidity, 10, LevelDanger},
	}

	for _, tc := range cases {
		if got := table.Classify(tc.kind, tc.value); got != tc.want {
			t.Errorf("Classify(%s, %v) = %d, want %d", tc.kind, tc.value, got, tc.want)
		}
	}
}

func TestClassifyBinaryKinds(t *testing.T) {
	table := Defaults()

	if got := table.Classify(KindWater, 0); got != LevelNormal {
		t.Fatalf("water 0 = %d, want %d", got, LevelNormal)
	}
	if got := table.Classify(KindWater, 1); got != LevelDanger {
		t.Fatalf("water 1 = %d, want %d", got, LevelDanger)
	}
	if got := table.Classify(KindExtInput, 1); got != LevelDanger {
		t.Fatalf("ext_input 1 = %d, want %d", got, LevelDanger)
	}
}

func TestApplyOverrides(t *testing.T) {
	table := Defaults().Apply(map[string]float64{
		"co2_level1_max": 800,
		"o2_level1_min":  19.0,
		"bogus_key":      1,
		"co2_level9_max": 5,
	})

	if got := table.Classify(KindCO2, 900); got != LevelConcern {
		t.Fatalf("co2 900 with lowered cut = %d, want %d", got, LevelConcern)
	}
	if got := table.Classify(KindO2, 19.2); got != LevelNormal {
		t.Fatalf("o2 19.2 with widened band = %d, want %d", got, LevelNormal)
	}

	// Defaults table must stay untouched.
	if got := Defaults().Classify(KindCO2, 900); got != LevelNormal {
		t.Fatalf("defaults mutated: co2 900 = %d", got)
	}
}

func TestSummaryBandText(t *testing.T) {
	table := Defaults()

	r := table.Summary(KindCO2, 16000)
	if r.Level != LevelDanger {
		t.Fatalf("level = %d, want %d", r.Level, LevelDanger)
	}
	if r.Band != "co2 > 15000 ppm" {
		t.Fatalf("band = %q", r.Band)
	}

	r = table.Summary(KindCO2, 3000)
	if r.Band != "co2 1000~5000 ppm" {
		t.Fatalf("band = %q", r.Band)
	}

	r = table.Summary(KindO2, 17.0)
	if r.Band != "o2 outside 18~23.5 %" {
		t.Fatalf("band = %q", r.Band)
	}

	r = table.Summary(KindWater, 1)
	if r.Band != "water = 1" {
		t.Fatalf("band = %q", r.Band)
	}
}

func TestLevelNames(t *testing.T) {
	want := map[Level]string{
		LevelNormal:  "normal",
		LevelConcern: "concern",
		LevelCaution: "caution",
		LevelWarning: "warning",
		LevelDanger:  "danger",
	}
	for level, name := range want {
		if level.Name() != name {
			t.Errorf("Level(%d).Name() = %q, want %q", level, level.Name(), name)
		}
	}
}

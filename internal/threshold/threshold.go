package threshold

import (
	"fmt"
	"strconv"
	"strings"
)

// Level is the five-step alert classification for a reading.
type Level int

const (
	LevelNormal  Level = 1
	LevelConcern Level = 2
	LevelCaution Level = 3
	LevelWarning Level = 4
	LevelDanger  Level = 5
)

var levelNames = map[Level]string{
	LevelNormal:  "normal",
	LevelConcern: "concern",
	LevelCaution: "caution",
	LevelWarning: "warning",
	LevelDanger:  "danger",
}

// Name returns the wire-level name of the level ("normal" .. "danger").
func (l Level) Name() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// Kind identifies one of the supported sensor channels.
type Kind string

const (
	KindCO2         Kind = "co2"
	KindCO          Kind = "co"
	KindO2          Kind = "o2"
	KindH2S         Kind = "h2s"
	KindCH4         Kind = "ch4"
	KindTemperature Kind = "temperature"
	KindHumidity    Kind = "humidity"
	KindWater       Kind = "water"
	KindSmoke       Kind = "smoke"
	KindExtInput    Kind = "ext_input"
)

// legacy field name carried by older firmware; normalized to ch4 on ingress.
const LegacyLEL = "lel"

var kindUnits = map[Kind]string{
	KindCO2:         "ppm",
	KindCO:          "ppm",
	KindH2S:         "ppm",
	KindCH4:         "%LEL",
	KindSmoke:       "ppm",
	KindO2:          "%",
	KindTemperature: "C",
	KindHumidity:    "%",
}

// Known reports whether name is a member of the closed kind set.
func Known(name string) bool {
	switch Kind(name) {
	case KindCO2, KindCO, KindO2, KindH2S, KindCH4,
		KindTemperature, KindHumidity, KindWater, KindSmoke, KindExtInput:
		return true
	}
	return false
}

// Binary reports whether the kind carries only the {0,1} value set.
func Binary(kind Kind) bool {
	return kind == KindWater || kind == KindExtInput
}

// rangeBand is an inclusive [min,max] interval for two-sided kinds.
type rangeBand struct {
	min float64
	max float64
}

// Table holds one immutable threshold configuration. Monotone kinds carry the
// upper cut-point of levels 1..4; ranged kinds carry nested [min,max] bands
// for levels 1..4. Anything outside band 4 classifies as danger.
type Table struct {
	monotone map[Kind][4]float64
	ranged   map[Kind][4]rangeBand
}

// Defaults returns the shipped threshold table.
func Defaults() *Table {
	return &Table{
		monotone: map[Kind][4]float64{
			KindCO2:   {1000, 5000, 10000, 15000},
			KindCO:    {9, 25, 30, 50},
			KindH2S:   {5, 8, 10, 15},
			KindCH4:   {10, 20, 50, 50},
			KindSmoke: {0, 10, 25, 50},
		},
		ranged: map[Kind][4]rangeBand{
			KindO2:          {{19.5, 23}, {19.0, 23.0}, {18.5, 23.3}, {18.0, 23.5}},
			KindTemperature: {{18, 28}, {16, 30}, {14, 32}, {12, 33}},
			KindHumidity:    {{40, 60}, {30, 70}, {20, 80}, {20, 80}},
		},
	}
}

// Apply builds a new table from t with per-kind override keys of the form
// "<kind>_level<N>_max" and "<kind>_level<N>_min" (N in 1..4). Unknown keys
// are ignored. The receiver is not modified.
func (t *Table) Apply(overrides map[string]float64) *Table {
	out := &Table{
		monotone: make(map[Kind][4]float64, len(t.monotone)),
		ranged:   make(map[Kind][4]rangeBand, len(t.ranged)),
	}
	for k, v := range t.monotone {
		out.monotone[k] = v
	}
	for k, v := range t.ranged {
		out.ranged[k] = v
	}

	for key, value := range overrides {
		kind, level, side, ok := parseOverrideKey(key)
		if !ok {
			continue
		}
		if cuts, exists := out.monotone[kind]; exists && side == "max" {
			cuts[level-1] = value
			out.monotone[kind] = cuts
			continue
		}
		if bands, exists := out.ranged[kind]; exists {
			switch side {
			case "min":
				bands[level-1].min = value
			case "max":
				bands[level-1].max = value
			}
			out.ranged[kind] = bands
		}
	}
	return out
}

// parseOverrideKey splits "o2_level2_min" into (o2, 2, min).
func parseOverrideKey(key string) (Kind, int, string, bool) {
	idx := strings.Index(key, "_level")
	if idx <= 0 {
		return "", 0, "", false
	}
	kind := Kind(key[:idx])
	rest := key[idx+len("_level"):]
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return "", 0, "", false
	}
	level, err := strconv.Atoi(parts[0])
	if err != nil || level < 1 || level > 4 {
		return "", 0, "", false
	}
	side := parts[1]
	if side != "min" && side != "max" {
		return "", 0, "", false
	}
	if !Known(string(kind)) {
		return "", 0, "", false
	}
	return kind, level, side, true
}

// Classify maps a reading to its alert level. The lowest level whose band
// contains the value wins; a value landing exactly on an upper boundary
// shared with the next band resolves to the stricter level.
func (t *Table) Classify(kind Kind, value float64) Level {
	if Binary(kind) {
		if value == 0 {
			return LevelNormal
		}
		return LevelDanger
	}

	if cuts, ok := t.monotone[kind]; ok {
		level := 5
		for i := 0; i < 4; i++ {
			if value <= cuts[i] {
				level = i + 1
				break
			}
		}
		if level < 5 && value == cuts[level-1] {
			for level < 4 && cuts[level] == cuts[level-1] {
				level++
			}
		}
		return Level(level)
	}

	if bands, ok := t.ranged[kind]; ok {
		level := 5
		for i := 0; i < 4; i++ {
			if value >= bands[i].min && value <= bands[i].max {
				level = i + 1
				break
			}
		}
		if level < 5 && value == bands[level-1].max {
			for level < 4 && bands[level].max == bands[level-1].max && value >= bands[level].min {
				level++
			}
		}
		return Level(level)
	}

	// Kinds without a band (ext_input is covered by Binary above) read as normal.
	return LevelNormal
}

// Result pairs a level with its human-readable band descriptor.
type Result struct {
	Level Level
	Band  string
}

// Summary classifies value and describes the band it fell into, e.g.
// "co2 1000~5000 ppm" or "o2 outside 18~23.5 %".
func (t *Table) Summary(kind Kind, value float64) Result {
	level := t.Classify(kind, value)
	return Result{Level: level, Band: t.bandText(kind, level)}
}

func (t *Table) bandText(kind Kind, level Level) string {
	unit := kindUnits[kind]

	if Binary(kind) {
		if level == LevelNormal {
			return fmt.Sprintf("%s = 0", kind)
		}
		return fmt.Sprintf("%s = 1", kind)
	}

	if cuts, ok := t.monotone[kind]; ok {
		switch {
		case level == LevelNormal:
			return fmt.Sprintf("%s <= %s %s", kind, trim(cuts[0]), unit)
		case level == LevelDanger:
			return fmt.Sprintf("%s > %s %s", kind, trim(cuts[3]), unit)
		default:
			return fmt.Sprintf("%s %s~%s %s", kind, trim(cuts[level-2]), trim(cuts[level-1]), unit)
		}
	}

	if bands, ok := t.ranged[kind]; ok {
		if level == LevelDanger {
			return fmt.Sprintf("%s outside %s~%s %s", kind, trim(bands[3].min), trim(bands[3].max), unit)
		}
		b := bands[level-1]
		return fmt.Sprintf("%s %s~%s %s", kind, trim(b.min), trim(b.max), unit)
	}

	return string(kind)
}

func trim(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

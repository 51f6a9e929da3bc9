package config

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Bldg-7/airsentry/internal/threshold"
)

// Snapshot is one immutable view of the runtime configuration. Readers keep
// the pointer they loaded for the duration of an operation; reloads swap in
// a fresh snapshot without coordinating with them.
type Snapshot struct {
	// Version is the opaque config identity carried in hello_ack and
	// config_push: seconds since epoch at load time.
	Version string

	Thresholds         *threshold.Table
	Overrides          map[string]float64
	WaterSensorEnabled bool
	HMACSecret         string
	RequireSignature   bool
	MinFirmware        string
}

// Payload renders the snapshot as the config map served by config_response
// and config_push.
func (s *Snapshot) Payload() map[string]any {
	out := map[string]any{
		"config_version":       s.Version,
		"water_sensor_enabled": s.WaterSensorEnabled,
	}
	if len(s.Overrides) > 0 {
		thresholds := make(map[string]float64, len(s.Overrides))
		for k, v := range s.Overrides {
			thresholds[k] = v
		}
		out["thresholds"] = thresholds
	}
	return out
}

// Store holds the active snapshot behind an atomic pointer.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore builds the initial snapshot from cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.Swap(cfg)
	return s
}

// Load returns the active snapshot. Never nil.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}

// Swap atomically replaces the active snapshot with one built from cfg and
// returns it. The version changes on every swap.
func (s *Store) Swap(cfg *Config) *Snapshot {
	overrides := make(map[string]float64, len(cfg.Thresholds))
	for k, v := range cfg.Thresholds {
		overrides[k] = v
	}

	snap := &Snapshot{
		Version:            strconv.FormatInt(time.Now().Unix(), 10),
		Thresholds:         threshold.Defaults().Apply(overrides),
		Overrides:          overrides,
		WaterSensorEnabled: cfg.WaterEnabled(),
		HMACSecret:         cfg.Security.HMACSecret,
		RequireSignature:   cfg.Security.RequireSignature,
		MinFirmware:        cfg.MinFirmware,
	}
	// Reloads within the same second still get a fresh version.
	if prev := s.current.Load(); prev != nil && snap.Version <= prev.Version {
		if v, err := strconv.ParseInt(prev.Version, 10, 64); err == nil {
			snap.Version = strconv.FormatInt(v+1, 10)
		}
	}
	s.current.Store(snap)
	return snap
}

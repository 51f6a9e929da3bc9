package bus

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Kind names one of the typed event channels exposed to consumers.
type Kind string

const (
	KindData       Kind = "data"
	KindWaterAlert Kind = "water_alert"
	KindGasAlert   Kind = "gas_alert"
)

// Kinds lists every channel the bus carries.
var Kinds = []Kind{KindData, KindWaterAlert, KindGasAlert}

// defaultCapacity bounds each channel; overflow drops the oldest event.
const defaultCapacity = 1024

// Event is the normalized payload handed to UI, alert engine and log
// consumers. Alert fields are set only on the alert channels.
type Event struct {
	SID  string             `json:"sid"`
	Peer string             `json:"peer"`
	TS   float64            `json:"ts"`
	Data map[string]float64 `json:"data,omitempty"`

	AlertType      string  `json:"alert_type,omitempty"`
	SensorType     string  `json:"sensor_type,omitempty"`
	CurrentValue   float64 `json:"current_value,omitempty"`
	ThresholdValue float64 `json:"threshold_value,omitempty"`
	Message        string  `json:"message,omitempty"`
	AlertLevel     string  `json:"alert_level,omitempty"`
}

// Bus fans events out to downstream consumers over bounded channels.
// Persistence happens before publication, so losing events to a slow
// consumer costs observer completeness only; the producer never blocks.
type Bus struct {
	channels map[Kind]chan Event
	dropped  map[Kind]*atomic.Uint64
	onDrop   atomic.Pointer[func(Kind)]
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Bus {
	return NewWithCapacity(logger, defaultCapacity)
}

func NewWithCapacity(logger *zap.Logger, capacity int) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	b := &Bus{
		channels: make(map[Kind]chan Event, len(Kinds)),
		dropped:  make(map[Kind]*atomic.Uint64, len(Kinds)),
		logger:   logger,
	}
	for _, kind := range Kinds {
		b.channels[kind] = make(chan Event, capacity)
		b.dropped[kind] = &atomic.Uint64{}
	}
	return b
}

// Publish enqueues the event, evicting the oldest queued event when the
// channel is full. Unknown kinds are ignored.
func (b *Bus) Publish(kind Kind, ev Event) {
	ch, ok := b.channels[kind]
	if !ok {
		return
	}

	select {
	case ch <- ev:
		return
	default:
	}

	// Full: shed the oldest, then retry once. A concurrent consumer may have
	// drained in between, in which case nothing is lost.
	select {
	case <-ch:
		b.recordDrop(kind)
		b.logger.Debug("event channel full, dropped oldest", zap.String("kind", string(kind)))
	default:
	}

	select {
	case ch <- ev:
	default:
		b.recordDrop(kind)
	}
}

func (b *Bus) recordDrop(kind Kind) {
	b.dropped[kind].Add(1)
	if fn := b.onDrop.Load(); fn != nil {
		(*fn)(kind)
	}
}

// OnDrop registers a callback invoked once per shed event, on the
// publisher's goroutine. Used to surface drops as a metric.
func (b *Bus) OnDrop(fn func(Kind)) {
	b.onDrop.Store(&fn)
}

// Subscribe returns the receive side of one typed channel.
func (b *Bus) Subscribe(kind Kind) <-chan Event {
	return b.channels[kind]
}

// Dropped reports how many events were shed from one channel so far.
func (b *Bus) Dropped(kind Kind) uint64 {
	if c, ok := b.dropped[kind]; ok {
		return c.Load()
	}
	return 0
}

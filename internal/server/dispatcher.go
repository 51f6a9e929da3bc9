package server

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/Bldg-7/airsentry/internal/bus"
	"github.com/Bldg-7/airsentry/internal/config"
	"github.com/Bldg-7/airsentry/internal/protocol"
	"github.com/Bldg-7/airsentry/internal/shared"
	"github.com/Bldg-7/airsentry/internal/stats"
	"github.com/Bldg-7/airsentry/internal/store"
	"github.com/Bldg-7/airsentry/internal/textlog"
	"github.com/Bldg-7/airsentry/internal/threshold"
)

// authenticatedTypes are the message types that pass through the auth
// validator before any write happens.
var authenticatedTypes = map[string]struct{}{
	protocol.TypeHello:            {},
	protocol.TypeSensorUpdate:     {},
	protocol.TypeWaterLeakAlert:   {},
	protocol.TypeWaterNormalAlert: {},
	protocol.TypeGasAlert:         {},
	protocol.TypeExtInputAlert:    {},
}

// Dispatcher routes decoded messages to their type handlers. Handlers
// consult the active config snapshot, write through the store and text
// logs, publish on the bus, and enqueue v2.0 replies; v1.0 messages are
// consumed without acknowledgement.
type Dispatcher struct {
	logger  *zap.Logger
	cfg     *config.Store
	db      *store.Store
	stats   *stats.Engine
	bus     *bus.Bus
	text    *textlog.Writer
	metrics *Metrics
	auth    AuthValidator
}

func NewDispatcher(
	logger *zap.Logger,
	cfg *config.Store,
	db *store.Store,
	statsEngine *stats.Engine,
	eventBus *bus.Bus,
	text *textlog.Writer,
	auth AuthValidator,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:  logger,
		cfg:     cfg,
		db:      db,
		stats:   statsEngine,
		bus:     eventBus,
		text:    text,
		metrics: GetMetrics(),
		auth:    auth,
	}
}

// Handle processes one decoded message on its owning connection.
func (d *Dispatcher) Handle(c *Conn, msg *protocol.Message) {
	start := time.Now()
	defer func() {
		d.metrics.RecordDispatchDuration(msg.Type, time.Since(start).Seconds())
	}()

	d.metrics.RecordMessage(msg.Type, msg.DetectedVersion)

	// Legacy firmware omits the id field; fall back to the peer IP so
	// readings still land under a stable identity.
	if msg.ID == "" {
		msg.ID = c.SessionSnapshot().PeerIP
	}

	c.withSession(func(s *Session) {
		if msg.DetectedVersion == protocol.VersionBidirectional {
			s.ProtocolVersion = protocol.VersionBidirectional
		}
		if msg.Sequence != 0 {
			if s.SequenceCounter != 0 && msg.Sequence != s.SequenceCounter+1 {
				d.logger.Warn("sequence gap",
					zap.String("sid", msg.ID),
					zap.Uint64("expected", s.SequenceCounter+1),
					zap.Uint64("got", msg.Sequence),
				)
			}
			s.SequenceCounter = msg.Sequence
		}
	})

	snap := d.cfg.Load()

	if snap.RequireSignature && snap.HMACSecret != "" && !msg.Legacy() {
		if !protocol.Verify(msg, snap.HMACSecret) {
			d.metrics.RecordAuthFailure()
			d.logger.Warn("signature verification failed",
				zap.String("sid", msg.ID),
				zap.String("peer", c.Peer()),
				zap.String("type", msg.Type),
			)
			d.reply(c, protocol.NewErrorReply(msg, protocol.CodeAuthFailed, "invalid signature", c.NextSeq()), snap)
			return
		}
	}

	if !msg.Legacy() && c.guard.seen(msg.MsgID) {
		d.logger.Debug("duplicate msg_id dropped",
			zap.String("sid", msg.ID),
			zap.String("msg_id", msg.MsgID),
		)
		return
	}

	if _, needsAuth := authenticatedTypes[msg.Type]; needsAuth && d.auth != nil {
		if !d.auth(msg.ID, msg.Password) {
			d.metrics.RecordAuthFailure()
			d.logger.Warn("authentication failed",
				zap.String("sid", msg.ID),
				zap.String("peer", c.Peer()),
				zap.String("type", msg.Type),
			)
			if !msg.Legacy() {
				d.reply(c, protocol.NewErrorReply(msg, protocol.CodeAuthFailed, "authentication failed", c.NextSeq()), snap)
			}
			return
		}
	}

	switch msg.Type {
	case protocol.TypeHello:
		d.handleHello(c, msg, snap)
	case protocol.TypeSensorUpdate:
		d.handleSensorUpdate(c, msg, snap)
	case protocol.TypeHeartbeat:
		if !msg.Legacy() {
			d.reply(c, protocol.NewHeartbeatAck(msg, c.NextSeq()), snap)
		}
	case protocol.TypeTimeSyncRequest:
		d.reply(c, protocol.NewTimeSyncResponse(msg, c.NextSeq()), snap)
	case protocol.TypeConfigRequest:
		d.reply(c, protocol.NewConfigResponse(msg, snap.Version, snap.Payload(), c.NextSeq()), snap)
	case protocol.TypeConfigAck:
		d.logger.Debug("config acknowledged",
			zap.String("sid", msg.ID),
			zap.String("config_version", msg.ConfigVersion),
		)
	case protocol.TypeWaterLeakAlert, protocol.TypeWaterNormalAlert:
		d.handleWaterAlert(c, msg, snap)
	case protocol.TypeGasAlert, protocol.TypeExtInputAlert:
		d.handleDeviceAlert(c, msg, snap)
	case protocol.TypeError:
		d.logger.Warn("error reported by sensor",
			zap.String("sid", msg.ID),
			zap.String("code", msg.Code),
			zap.String("detail", msg.Text),
		)
	default:
		if msg.Legacy() {
			d.logger.Debug("unknown type dropped",
				zap.String("sid", msg.ID),
				zap.String("type", msg.Type),
			)
			return
		}
		d.reply(c, protocol.NewErrorReply(msg, protocol.CodeBadRequest, "unknown message type", c.NextSeq()), snap)
	}
}

func (d *Dispatcher) handleHello(c *Conn, msg *protocol.Message, snap *config.Snapshot) {
	var sessionID string
	c.withSession(func(s *Session) {
		s.SensorID = msg.ID
		s.ProtocolVersion = protocol.VersionBidirectional
		s.FirmwareVersion = msg.FirmwareVersion
		s.Capabilities = append([]string(nil), msg.Capabilities...)
		s.Authenticated = true
		sessionID = s.SessionID
	})

	if snap.MinFirmware != "" && msg.FirmwareVersion != "" {
		minVer, minErr := semver.NewVersion(snap.MinFirmware)
		fwVer, fwErr := semver.NewVersion(msg.FirmwareVersion)
		switch {
		case fwErr != nil:
			d.logger.Warn("unparseable firmware version",
				zap.String("sid", msg.ID),
				zap.String("firmware", msg.FirmwareVersion),
			)
		case minErr == nil && fwVer.LessThan(minVer):
			d.logger.Warn("firmware below supported minimum",
				zap.String("sid", msg.ID),
				zap.String("firmware", msg.FirmwareVersion),
				zap.String("minimum", snap.MinFirmware),
			)
		}
	}

	if d.text != nil {
		d.text.Run("hello sid=%s peer=%s fw=%s device=%s",
			msg.ID, c.Peer(), msg.FirmwareVersion, msg.DeviceType)
	}
	d.logger.Info("sensor registered",
		zap.String("sid", msg.ID),
		zap.String("peer", c.Peer()),
		zap.String("session_id", sessionID),
		zap.String("firmware", msg.FirmwareVersion),
		zap.Strings("capabilities", msg.Capabilities),
	)

	d.reply(c, protocol.NewHelloAck(msg, sessionID, snap.Version, c.NextSeq()), snap)
}

func (d *Dispatcher) handleSensorUpdate(c *Conn, msg *protocol.Message, snap *config.Snapshot) {
	values := protocol.NormalizeData(msg.Data)
	ts := msg.Timestamp
	if ts == 0 {
		ts = shared.UnixNow()
	}
	sid := msg.ID
	peer := c.SessionSnapshot().PeerIP

	if len(values) > 0 && d.db != nil {
		err := d.db.InsertReading(store.Reading{
			TS:     ts,
			Date:   shared.DayBucket(ts),
			SID:    sid,
			PeerIP: peer,
			Values: values,
		})
		if err != nil {
			// Reply and text logs still happen; only durability is lost.
			d.metrics.RecordStoreFailure()
			d.logger.Error("reading persist failed",
				zap.String("sid", sid),
				zap.Error(err),
			)
			if d.text != nil {
				d.text.Run("store write failed sid=%s: %v", sid, err)
			}
		}
	}

	kinds := make([]string, 0, len(values))
	for k := range values {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	var alerts []protocol.AlertSummary
	for _, kindName := range kinds {
		kind := threshold.Kind(kindName)
		value := values[kindName]
		res := snap.Thresholds.Summary(kind, value)
		if res.Level == threshold.LevelNormal {
			continue
		}

		alerts = append(alerts, protocol.AlertSummary{
			Sensor: kindName,
			Level:  res.Level.Name(),
			Value:  value,
		})
		d.metrics.RecordAlert(kindName, res.Level.Name())
		if d.text != nil {
			d.text.Warning("[%s] %s=%s level=%s (%s)",
				sid, kindName, trimFloat(value), res.Level.Name(), res.Band)
		}

		if d.db != nil {
			err := d.db.InsertAlertEvent(store.AlertEvent{
				TS:     ts,
				Date:   shared.DayBucket(ts),
				SID:    sid,
				PeerIP: peer,
				Kind:   kindName,
				Level:  int(res.Level),
				Value:  value,
			})
			if err != nil {
				d.metrics.RecordStoreFailure()
				d.logger.Error("alert event persist failed",
					zap.String("sid", sid),
					zap.String("kind", kindName),
					zap.Error(err),
				)
			}
		}

		if kind == threshold.KindWater {
			if snap.WaterSensorEnabled && d.bus != nil {
				d.bus.Publish(bus.KindWaterAlert, bus.Event{
					SID:          sid,
					Peer:         peer,
					TS:           ts,
					AlertType:    protocol.TypeWaterLeakAlert,
					SensorType:   kindName,
					CurrentValue: value,
					Message:      res.Band,
					AlertLevel:   res.Level.Name(),
				})
			}
			continue
		}

		if res.Level >= threshold.LevelCaution && d.bus != nil {
			d.bus.Publish(bus.KindGasAlert, bus.Event{
				SID:          sid,
				Peer:         peer,
				TS:           ts,
				AlertType:    "threshold",
				SensorType:   kindName,
				CurrentValue: value,
				Message:      res.Band,
				AlertLevel:   res.Level.Name(),
			})
		}
	}

	if d.stats != nil {
		d.stats.Push(sid, peer, ts, values)
	}
	if d.bus != nil {
		d.bus.Publish(bus.KindData, bus.Event{SID: sid, Peer: peer, TS: ts, Data: values})
	}

	first := c.markFirstSample(sid)
	if !first && d.text != nil && len(values) > 0 {
		parts := make([]string, 0, len(kinds))
		for _, k := range kinds {
			parts = append(parts, k+"="+trimFloat(values[k]))
		}
		d.text.Data("[%s] %s", sid, strings.Join(parts, " "))
	}

	if !msg.Legacy() {
		d.reply(c, protocol.NewSensorAck(msg, alerts, c.NextSeq()), snap)
	}
}

// handleWaterAlert processes sensor-initiated leak and all-clear
// notifications. Publication respects the water sensor enable switch;
// the acknowledgement does not.
func (d *Dispatcher) handleWaterAlert(c *Conn, msg *protocol.Message, snap *config.Snapshot) {
	ts := msg.Timestamp
	if ts == 0 {
		ts = shared.UnixNow()
	}
	leak := msg.Type == protocol.TypeWaterLeakAlert

	if snap.WaterSensorEnabled {
		if d.text != nil {
			if leak {
				d.text.Warning("[%s] water leak reported: %s", msg.ID, msg.Text)
			} else {
				d.text.Run("[%s] water back to normal: %s", msg.ID, msg.Text)
			}
		}
		if d.bus != nil {
			level := threshold.LevelDanger.Name()
			if !leak {
				level = threshold.LevelNormal.Name()
			}
			// The event carries the wire message type and the reported
			// water reading, so consumers see exactly what the sensor sent.
			d.bus.Publish(bus.KindWaterAlert, bus.Event{
				SID:          msg.ID,
				Peer:         c.SessionSnapshot().PeerIP,
				TS:           ts,
				AlertType:    msg.Type,
				SensorType:   string(threshold.KindWater),
				CurrentValue: protocol.NormalizeData(msg.Data)[string(threshold.KindWater)],
				Message:      msg.Text,
				AlertLevel:   level,
			})
		}
		if leak && d.db != nil {
			err := d.db.InsertAlertEvent(store.AlertEvent{
				TS:     ts,
				Date:   shared.DayBucket(ts),
				SID:    msg.ID,
				PeerIP: c.SessionSnapshot().PeerIP,
				Kind:   string(threshold.KindWater),
				Level:  int(threshold.LevelDanger),
				Value:  1,
			})
			if err != nil {
				d.metrics.RecordStoreFailure()
				d.logger.Error("water alert persist failed", zap.String("sid", msg.ID), zap.Error(err))
			}
		}
		d.metrics.RecordAlert(string(threshold.KindWater), threshold.LevelDanger.Name())
	}

	if !msg.Legacy() {
		d.reply(c, protocol.NewAlertAck(msg, c.NextSeq()), snap)
	}
}

// handleDeviceAlert processes gas and external-input alerts raised by the
// sensor's own local thresholding.
func (d *Dispatcher) handleDeviceAlert(c *Conn, msg *protocol.Message, snap *config.Snapshot) {
	ts := msg.Timestamp
	if ts == 0 {
		ts = shared.UnixNow()
	}
	sensorType := msg.SensorType
	if sensorType == "" && msg.Type == protocol.TypeExtInputAlert {
		sensorType = string(threshold.KindExtInput)
	}
	level := msg.AlertLevel
	if level == "" {
		level = threshold.LevelDanger.Name()
	}

	if d.text != nil {
		d.text.Warning("[%s] %s alert level=%s: %s", msg.ID, sensorType, level, msg.Text)
	}
	if d.bus != nil {
		d.bus.Publish(bus.KindGasAlert, bus.Event{
			SID:        msg.ID,
			Peer:       c.SessionSnapshot().PeerIP,
			TS:         ts,
			AlertType:  "device",
			SensorType: sensorType,
			Message:    msg.Text,
			AlertLevel: level,
		})
	}
	d.metrics.RecordAlert(sensorType, level)

	if !msg.Legacy() {
		d.reply(c, protocol.NewAlertAck(msg, c.NextSeq()), snap)
	}
}

// reply encodes and enqueues one outbound frame. Full queues drop the
// reply; the peer recovers through its own retry or the next exchange.
// rejectFrame answers a 2.0 frame that failed structural validation before
// it could be dispatched.
func (d *Dispatcher) rejectFrame(c *Conn, msg *protocol.Message) {
	d.reply(c, protocol.NewErrorReply(msg, protocol.CodeBadRequest, "missing required field: type", c.NextSeq()), d.cfg.Load())
}

func (d *Dispatcher) reply(c *Conn, msg *protocol.Message, snap *config.Snapshot) {
	frame, err := protocol.Encode(msg, snap.HMACSecret)
	if err != nil {
		d.logger.Error("reply encode failed",
			zap.String("type", msg.Type),
			zap.Error(err),
		)
		return
	}
	if !c.Enqueue(frame) {
		d.logger.Warn("reply dropped, outbound queue full",
			zap.String("peer", c.Peer()),
			zap.String("type", msg.Type),
		)
	}
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

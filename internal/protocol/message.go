package protocol

import (
	"errors"

	"github.com/Bldg-7/airsentry/internal/threshold"
)

// Protocol versions spoken on the wire.
const (
	VersionLegacy        = "1.0"
	VersionBidirectional = "2.0"
)

// MaxLineBytes caps a single newline-terminated frame. Longer lines are a
// protocol violation and close the connection.
const MaxLineBytes = 64 * 1024

// Error types for frame and envelope validation
var (
	ErrLineTooLong = errors.New("line exceeds maximum frame size")
	ErrMissingType = errors.New("missing required field: type")
)

// Message type discriminators.
const (
	TypeHello            = "hello"
	TypeHelloAck         = "hello_ack"
	TypeSensorUpdate     = "sensor_update"
	TypeSensorAck        = "sensor_ack"
	TypeHeartbeat        = "heartbeat"
	TypeHeartbeatAck     = "heartbeat_ack"
	TypeTimeSyncRequest  = "time_sync_request"
	TypeTimeSyncResponse = "time_sync_response"
	TypeConfigRequest    = "config_request"
	TypeConfigResponse   = "config_response"
	TypeConfigPush       = "config_push"
	TypeConfigAck        = "config_ack"
	TypeWaterLeakAlert   = "water_leak_alert"
	TypeWaterNormalAlert = "water_normal_alert"
	TypeGasAlert         = "gas_alert"
	TypeExtInputAlert    = "ext_input_alert"
	TypeError            = "error"
)

// Error reply codes.
const (
	CodeAuthFailed = "AUTH_FAILED"
	CodeBadRequest = "BAD_REQUEST"
)

// AlertSummary is one entry of a sensor_ack alerts array.
type AlertSummary struct {
	Sensor string  `json:"sensor"`
	Level  string  `json:"level"`
	Value  float64 `json:"value"`
}

// Message is the schema-tolerant envelope shared by every wire type. Fields
// not used by a given type simply stay at their zero value; unknown inbound
// keys are dropped by the decoder.
type Message struct {
	Type            string         `json:"type"`
	ID              string         `json:"id,omitempty"`
	MsgID           string         `json:"msg_id,omitempty"`
	RefMsgID        string         `json:"ref_msg_id,omitempty"`
	Timestamp       float64        `json:"timestamp,omitempty"`
	ProtocolVersion string         `json:"protocol_version,omitempty"`
	Sequence        uint64         `json:"sequence,omitempty"`
	Signature       string         `json:"signature,omitempty"`
	Password        string         `json:"password,omitempty"`
	DeviceType      string         `json:"device_type,omitempty"`
	FirmwareVersion string         `json:"firmware_version,omitempty"`
	Capabilities    []string       `json:"capabilities,omitempty"`
	Data            map[string]any `json:"data,omitempty"`

	// Out-of-band alert fields.
	Text       string `json:"message,omitempty"`
	AlertLevel string `json:"alert_level,omitempty"`
	SensorType string `json:"sensor_type,omitempty"`

	// Reply fields.
	Status        string         `json:"status,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	ServerTime    float64        `json:"server_time,omitempty"`
	ClientTime    float64        `json:"client_time,omitempty"`
	ConfigVersion string         `json:"config_version,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	Alerts        []AlertSummary `json:"alerts,omitempty"`
	Code          string         `json:"code,omitempty"`

	// DetectedVersion is filled by Decode and never serialized.
	DetectedVersion string `json:"-"`
}

// Legacy reports whether the message was detected as protocol 1.0.
func (m *Message) Legacy() bool {
	return m.DetectedVersion == VersionLegacy
}

// v2-only discriminators; seeing one of these implies protocol 2.0 even when
// the version field is absent.
var v2OnlyTypes = map[string]struct{}{
	TypeHello:            {},
	TypeHelloAck:         {},
	TypeSensorAck:        {},
	TypeHeartbeatAck:     {},
	TypeTimeSyncRequest:  {},
	TypeTimeSyncResponse: {},
	TypeConfigRequest:    {},
	TypeConfigResponse:   {},
	TypeConfigPush:       {},
	TypeConfigAck:        {},
}

// detectVersion applies the version rules in order, first match wins:
// explicit field, v2 envelope fields, v2-only type, v2-only data keys,
// legacy default.
func detectVersion(raw map[string]any) string {
	if v, ok := raw["protocol_version"].(string); ok && v != "" {
		return v
	}
	for _, key := range []string{"msg_id", "sequence", "signature"} {
		if _, ok := raw[key]; ok {
			return VersionBidirectional
		}
	}
	if t, ok := raw["type"].(string); ok {
		if _, v2 := v2OnlyTypes[t]; v2 {
			return VersionBidirectional
		}
	}
	if data, ok := raw["data"].(map[string]any); ok {
		if _, ok := data["ch4"]; ok {
			return VersionBidirectional
		}
		if _, ok := data["ext_input"]; ok {
			return VersionBidirectional
		}
	}
	return VersionLegacy
}

// NormalizeData converts a raw data map into kind-keyed numeric values:
// the legacy lel key aliases ch4, unknown keys and non-numeric values are
// dropped. The input map is not modified.
func NormalizeData(data map[string]any) map[string]float64 {
	if len(data) == 0 {
		return nil
	}

	out := make(map[string]float64, len(data))
	for key, value := range data {
		name := key
		if name == threshold.LegacyLEL {
			if _, hasCH4 := data[string(threshold.KindCH4)]; hasCH4 {
				continue
			}
			name = string(threshold.KindCH4)
		}
		if !threshold.Known(name) {
			continue
		}
		num, ok := asFloat(value)
		if !ok {
			continue
		}
		out[name] = num
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

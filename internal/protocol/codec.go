package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/Bldg-7/airsentry/internal/shared"
)

// Decode parses one newline-stripped frame into a Message and runs version
// detection. Oversized frames fail with ErrLineTooLong; anything that is not
// a JSON object fails with a wrapped decode error. A frame with no type
// fails with ErrMissingType but still carries its detected version, so the
// caller can answer a 2.0 sender instead of dropping silently.
func Decode(line []byte) (*Message, error) {
	if len(line) > MaxLineBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrLineTooLong, len(line))
	}

	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	msg.DetectedVersion = detectVersion(raw)
	if msg.Type == "" {
		return &msg, ErrMissingType
	}

	return &msg, nil
}

// Encode serializes a message as one newline-terminated frame. When secret is
// non-empty the frame is signed before marshalling.
func Encode(msg *Message, secret string) ([]byte, error) {
	if secret != "" {
		msg.Signature = Sign(msg, secret)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(data, '\n'), nil
}

// NewHelloAck builds the handshake reply. Per protocol the handshake reply
// carries no ref_msg_id; correlation starts with the first data exchange.
func NewHelloAck(orig *Message, sessionID, configVersion string, seq uint64) *Message {
	return &Message{
		Type:            TypeHelloAck,
		ID:              orig.ID,
		MsgID:           shared.NewID(),
		Timestamp:       shared.UnixNow(),
		ProtocolVersion: VersionBidirectional,
		Sequence:        seq,
		Status:          "ok",
		SessionID:       sessionID,
		ServerTime:      shared.UnixNow(),
		ConfigVersion:   configVersion,
	}
}

// NewSensorAck correlates with the originating sensor_update via ref_msg_id
// and echoes the per-kind alert summary.
func NewSensorAck(orig *Message, alerts []AlertSummary, seq uint64) *Message {
	return &Message{
		Type:            TypeSensorAck,
		ID:              orig.ID,
		MsgID:           shared.NewID(),
		RefMsgID:        orig.MsgID,
		Timestamp:       shared.UnixNow(),
		ProtocolVersion: VersionBidirectional,
		Sequence:        seq,
		Status:          "ok",
		Alerts:          alerts,
	}
}

func NewHeartbeatAck(orig *Message, seq uint64) *Message {
	return &Message{
		Type:            TypeHeartbeatAck,
		ID:              orig.ID,
		MsgID:           shared.NewID(),
		RefMsgID:        orig.MsgID,
		Timestamp:       shared.UnixNow(),
		ProtocolVersion: VersionBidirectional,
		Sequence:        seq,
		Status:          "ok",
	}
}

func NewTimeSyncResponse(orig *Message, seq uint64) *Message {
	return &Message{
		Type:            TypeTimeSyncResponse,
		ID:              orig.ID,
		MsgID:           shared.NewID(),
		RefMsgID:        orig.MsgID,
		Timestamp:       shared.UnixNow(),
		ProtocolVersion: VersionBidirectional,
		Sequence:        seq,
		ClientTime:      orig.Timestamp,
		ServerTime:      shared.UnixNow(),
	}
}

func NewConfigResponse(orig *Message, configVersion string, config map[string]any, seq uint64) *Message {
	return &Message{
		Type:            TypeConfigResponse,
		ID:              orig.ID,
		MsgID:           shared.NewID(),
		RefMsgID:        orig.MsgID,
		Timestamp:       shared.UnixNow(),
		ProtocolVersion: VersionBidirectional,
		Sequence:        seq,
		Status:          "ok",
		ConfigVersion:   configVersion,
		Config:          config,
	}
}

// NewConfigPush is the only server-initiated message; it is enqueued on the
// session outbound queue rather than written inline.
func NewConfigPush(sensorID, configVersion string, config map[string]any, seq uint64) *Message {
	return &Message{
		Type:            TypeConfigPush,
		ID:              sensorID,
		MsgID:           shared.NewID(),
		Timestamp:       shared.UnixNow(),
		ProtocolVersion: VersionBidirectional,
		Sequence:        seq,
		ConfigVersion:   configVersion,
		Config:          config,
	}
}

func NewAlertAck(orig *Message, seq uint64) *Message {
	return &Message{
		Type:            "alert_ack",
		ID:              orig.ID,
		MsgID:           shared.NewID(),
		RefMsgID:        orig.MsgID,
		Timestamp:       shared.UnixNow(),
		ProtocolVersion: VersionBidirectional,
		Sequence:        seq,
		Status:          "ok",
	}
}

func NewErrorReply(orig *Message, code, text string, seq uint64) *Message {
	reply := &Message{
		Type:            TypeError,
		MsgID:           shared.NewID(),
		Timestamp:       shared.UnixNow(),
		ProtocolVersion: VersionBidirectional,
		Sequence:        seq,
		Code:            code,
		Text:            text,
	}
	if orig != nil {
		reply.ID = orig.ID
		reply.RefMsgID = orig.MsgID
	}
	return reply
}

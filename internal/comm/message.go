// Package comm holds the wire envelope and error taxonomy shared by every
// component of the communication core.
package comm

import (
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/google/uuid"
)

// json is a drop-in, faster encoding/json substitute used for every
// marshal/unmarshal of the wire envelope and cached values.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CommunicationMessage is the envelope the core transports end to end.
type CommunicationMessage struct {
	MessageID string                 `json:"messageId"`
	DeviceID  string                 `json:"deviceId"`
	Command   string                 `json:"command"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
	Priority  int                    `json:"priority"`
}

// NewCommunicationMessage always assigns a fresh MessageID and the current
// Timestamp, so message_id is non-empty from construction onward.
func NewCommunicationMessage(deviceID, command string, payload map[string]interface{}, priority int) *CommunicationMessage {
	return &CommunicationMessage{
		MessageID: uuid.NewString(),
		DeviceID:  deviceID,
		Command:   command,
		Payload:   payload,
		Timestamp: time.Now(),
		Priority:  priority,
	}
}

// wireEnvelope is the JSON-on-the-wire shape described in spec.md §6.2:
// timestamps travel as epoch milliseconds, not RFC3339.
type wireEnvelope struct {
	MessageID string                 `json:"messageId"`
	DeviceID  string                 `json:"deviceId"`
	Command   string                 `json:"command"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp int64                  `json:"timestamp"`
	Priority  int                    `json:"priority"`
}

// WireMap renders the same shape as ToWire but as a plain map, so callers
// that serialize through the SerializationOptimizer's content-addressed
// cache (which operates on interface{} values, not pre-encoded bytes) can
// hash and cache the envelope instead of double-encoding it.
func (m *CommunicationMessage) WireMap() map[string]interface{} {
	return map[string]interface{}{
		"messageId": m.MessageID,
		"deviceId":  m.DeviceID,
		"command":   m.Command,
		"payload":   m.Payload,
		"timestamp": m.Timestamp.UnixMilli(),
		"priority":  m.Priority,
	}
}

// ToWire renders the envelope JSON bytes for this message.
func (m *CommunicationMessage) ToWire() ([]byte, error) {
	w := wireEnvelope{
		MessageID: m.MessageID,
		DeviceID:  m.DeviceID,
		Command:   m.Command,
		Payload:   m.Payload,
		Timestamp: m.Timestamp.UnixMilli(),
		Priority:  m.Priority,
	}
	return json.Marshal(&w)
}

// FromWire parses an envelope previously produced by ToWire. A missing or
// non-positive timestamp falls back to "now"; a timestamp that is not a JSON
// number makes the whole parse fail.
func FromWire(data []byte) (*CommunicationMessage, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	ts := time.Now()
	if w.Timestamp > 0 {
		ts = time.UnixMilli(w.Timestamp)
	}
	return &CommunicationMessage{
		MessageID: w.MessageID,
		DeviceID:  w.DeviceID,
		Command:   w.Command,
		Payload:   w.Payload,
		Timestamp: ts,
		Priority:  w.Priority,
	}, nil
}

// ErrorEnvelope synthesizes a CommunicationMessage for payloads that failed
// to parse as a wire envelope, per spec.md §4.6 "inbound": command becomes
// "error" and the raw bytes ride along as a string payload.
func ErrorEnvelope(raw []byte) *CommunicationMessage {
	return &CommunicationMessage{
		MessageID: uuid.NewString(),
		Command:   "error",
		Payload:   map[string]interface{}{"raw": string(raw)},
		Timestamp: time.Now(),
	}
}

// CommunicationResponse acknowledges a sent message.
type CommunicationResponse struct {
	MessageID    string        `json:"messageId"`
	Success      bool          `json:"success"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	ResponseTime time.Duration `json:"responseTime"`
	Timestamp    time.Time     `json:"timestamp"`
}

// FailureResponse builds a CommunicationResponse for a failed send.
func FailureResponse(messageID string, err error, elapsed time.Duration) *CommunicationResponse {
	return &CommunicationResponse{
		MessageID:    messageID,
		Success:      false,
		ErrorMessage: err.Error(),
		ResponseTime: elapsed,
		Timestamp:    time.Now(),
	}
}

// SuccessResponse builds a CommunicationResponse for a successful send.
func SuccessResponse(messageID string, elapsed time.Duration) *CommunicationResponse {
	return &CommunicationResponse{
		MessageID:    messageID,
		Success:      true,
		ResponseTime: elapsed,
		Timestamp:    time.Now(),
	}
}

// ParseFlexibleTimestamp mirrors the teacher's parseTimestamp: it tolerates
// the handful of shapes real-world JSON producers send a timestamp as. No
// component of the core calls it: the envelope carries epoch milliseconds
// and the batcher's Message uses time.Time's own JSON encoding.
func ParseFlexibleTimestamp(ts interface{}) time.Time {
	if ts == nil {
		return time.Now().UTC()
	}
	switch v := ts.(type) {
	case string:
		if unixTime, err := strconv.ParseInt(v, 10, 64); err == nil {
			if unixTime > 1e12 {
				return time.Unix(0, unixTime*int64(time.Millisecond)).UTC()
			}
			return time.Unix(unixTime, 0).UTC()
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC()
		}
		return time.Now().UTC()
	case float64:
		return time.Unix(0, int64(v)*int64(time.Millisecond)).UTC()
	case int64:
		return time.Unix(0, v*int64(time.Millisecond)).UTC()
	case int:
		return time.Unix(int64(v), 0).UTC()
	case time.Time:
		return v.UTC()
	default:
		return time.Now().UTC()
	}
}

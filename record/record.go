// Package record defines the unit of source data flowing through the
// forwarding pipeline: one decoded value from the source store with a
// logical data type and a device origin derived from the key namespace.
package record

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DataType is the closed set of logical record categories. Source keys carry
// a single-letter type tag in their third segment; anything outside the known
// set maps to TypeUnknown, which routers log and drop rather than crash on.
type DataType string

const (
	// TypeTelemetry is periodic measurement data (tag "T")
	TypeTelemetry DataType = "telemetry"
	// TypeStatus is device status data (tag "S")
	TypeStatus DataType = "status"
	// TypeCommand is command/control data (tag "C")
	TypeCommand DataType = "command"
	// TypeAlarm is alarm/alert data (tag "A")
	TypeAlarm DataType = "alarm"
	// TypeEvent is discrete event data (tag "E")
	TypeEvent DataType = "event"
	// TypeUnknown is the explicit fallback for unrecognized tags
	TypeUnknown DataType = "unknown"
)

// ParseDataType maps a key tag to its DataType. Full names are accepted as
// well as single-letter tags so route configs can use either form.
func ParseDataType(tag string) DataType {
	switch strings.ToUpper(tag) {
	case "T", "TELEMETRY":
		return TypeTelemetry
	case "S", "STATUS":
		return TypeStatus
	case "C", "COMMAND":
		return TypeCommand
	case "A", "ALARM":
		return TypeAlarm
	case "E", "EVENT":
		return TypeEvent
	default:
		return TypeUnknown
	}
}

// Valid reports whether dt is a member of the closed type set
// (TypeUnknown is valid as the explicit fallback).
func (dt DataType) Valid() bool {
	switch dt {
	case TypeTelemetry, TypeStatus, TypeCommand, TypeAlarm, TypeEvent, TypeUnknown:
		return true
	default:
		return false
	}
}

// KeyInfo is the decomposed form of a source key "service:channel:datatype",
// e.g. "comsrv:1:T". Shorter keys degrade gracefully with "unknown" parts.
type KeyInfo struct {
	Service  string
	Channel  string
	TypeTag  string
	DataType DataType
}

// ParseKey decomposes a source key into its namespace parts
func ParseKey(key string) KeyInfo {
	parts := strings.SplitN(key, ":", 3)
	switch len(parts) {
	case 3:
		return KeyInfo{
			Service:  parts[0],
			Channel:  parts[1],
			TypeTag:  parts[2],
			DataType: ParseDataType(parts[2]),
		}
	case 2:
		return KeyInfo{Service: parts[0], Channel: parts[1], TypeTag: "", DataType: TypeUnknown}
	default:
		return KeyInfo{Service: key, Channel: "unknown", TypeTag: "", DataType: TypeUnknown}
	}
}

// DeviceID returns the device identifier for this key namespace ("comsrv:1")
func (ki KeyInfo) DeviceID() string {
	return ki.Service + ":" + ki.Channel
}

// PointID returns the point identifier used in report envelopes ("comsrv_1")
func (ki KeyInfo) PointID() string {
	return ki.Service + "_" + ki.Channel
}

// Record is a single decoded unit of source data. It is immutable once
// built; pipeline stages hand it off and never mutate it in place.
type Record struct {
	Key       string         `json:"key"`
	Type      DataType       `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	DeviceID  string         `json:"device_id"`
	PointID   string         `json:"point_id"`

	// size caches the estimated serialized size; computed on first use
	size int
}

// New builds a Record for a source key with its decoded payload
func New(key string, payload map[string]any, ts time.Time) *Record {
	ki := ParseKey(key)
	return &Record{
		Key:       key,
		Type:      ki.DataType,
		Payload:   payload,
		Timestamp: ts,
		DeviceID:  ki.DeviceID(),
		PointID:   ki.PointID(),
	}
}

// Size returns the estimated serialized size of the record in bytes.
// The estimate is the JSON encoding length, computed once and cached.
func (r *Record) Size() int {
	if r.size == 0 {
		data, err := json.Marshal(r.Payload)
		if err != nil {
			// Unencodable payloads cannot happen for decoded source data;
			// fall back to a conservative guess per field.
			r.size = 64 * (1 + len(r.Payload))
		} else {
			r.size = len(data) + len(r.Key) + len(r.PointID) + 48
		}
	}
	return r.size
}

// String implements fmt.Stringer for log output
func (r *Record) String() string {
	return fmt.Sprintf("record{key=%s type=%s device=%s fields=%d}", r.Key, r.Type, r.DeviceID, len(r.Payload))
}

// ConvertValues converts numeric strings in a hash-field map to int64 or
// float64, leaving everything else untouched. Source services write numbers
// as strings into hash fields; downstream sinks expect real numbers.
func ConvertValues(fields map[string]string) map[string]any {
	converted := make(map[string]any, len(fields))
	for k, v := range fields {
		converted[k] = convertScalar(v)
	}
	return converted
}

func convertScalar(v string) any {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return v
	}
	if f == float64(int64(f)) {
		return int64(f)
	}
	return f
}

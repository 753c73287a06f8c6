package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseDataType(t *testing.T) {
	tests := []struct {
		tag      string
		expected DataType
	}{
		{"T", TypeTelemetry},
		{"t", TypeTelemetry},
		{"telemetry", TypeTelemetry},
		{"S", TypeStatus},
		{"C", TypeCommand},
		{"A", TypeAlarm},
		{"E", TypeEvent},
		{"X", TypeUnknown},
		{"", TypeUnknown},
	}

	for _, test := range tests {
		t.Run(test.tag, func(t *testing.T) {
			assert.Equal(t, test.expected, ParseDataType(test.tag))
		})
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		service string
		channel string
		dt      DataType
	}{
		{"full key", "comsrv:1:T", "comsrv", "1", TypeTelemetry},
		{"alarm key", "modsrv:2:A", "modsrv", "2", TypeAlarm},
		{"two parts", "comsrv:1", "comsrv", "1", TypeUnknown},
		{"bare key", "sensor", "sensor", "unknown", TypeUnknown},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ki := ParseKey(test.key)
			assert.Equal(t, test.service, ki.Service)
			assert.Equal(t, test.channel, ki.Channel)
			assert.Equal(t, test.dt, ki.DataType)
		})
	}
}

func TestKeyInfo_Identifiers(t *testing.T) {
	ki := ParseKey("comsrv:1:T")
	assert.Equal(t, "comsrv:1", ki.DeviceID())
	assert.Equal(t, "comsrv_1", ki.PointID())
}

func TestNew_DerivesIdentity(t *testing.T) {
	r := New("comsrv:3:S", map[string]any{"state": int64(1)}, time.Now())
	assert.Equal(t, TypeStatus, r.Type)
	assert.Equal(t, "comsrv:3", r.DeviceID)
	assert.Equal(t, "comsrv_3", r.PointID)
}

func TestRecord_SizeStable(t *testing.T) {
	r := New("comsrv:1:T", map[string]any{"temp": 22.5, "humidity": int64(40)}, time.Now())
	first := r.Size()
	assert.Greater(t, first, 0)
	assert.Equal(t, first, r.Size(), "size must be cached and stable")
}

func TestConvertValues(t *testing.T) {
	got := ConvertValues(map[string]string{
		"temp":    "22.5",
		"count":   "3",
		"label":   "sensor-a",
		"neg":     "-7",
		"badnum":  "1.2.3",
		"boolish": "true",
	})

	assert.Equal(t, 22.5, got["temp"])
	assert.Equal(t, int64(3), got["count"])
	assert.Equal(t, "sensor-a", got["label"])
	assert.Equal(t, int64(-7), got["neg"])
	assert.Equal(t, "1.2.3", got["badnum"])
	assert.Equal(t, "true", got["boolish"])
}

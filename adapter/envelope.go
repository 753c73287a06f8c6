package adapter

import (
	"time"

	"github.com/HeKunYang1996/netsrv/route"
)

// Point is one reported point inside an envelope
type Point struct {
	Point    string `json:"point" msgpack:"point"`
	DataType string `json:"data_type" msgpack:"data_type"`
	Value    any    `json:"value" msgpack:"value"`
}

// Envelope is the property-report shape batches are serialized into:
//
//	{"timestamp": 1700000000, "property": [{"point": "comsrv_1", ...}]}
type Envelope struct {
	Timestamp int64   `json:"timestamp" msgpack:"timestamp"`
	Property  []Point `json:"property" msgpack:"property"`
}

// BuildEnvelope converts a batch into the report envelope, preserving
// record order.
func BuildEnvelope(b *route.Batch) *Envelope {
	points := make([]Point, 0, len(b.Records))
	for _, r := range b.Records {
		points = append(points, Point{
			Point:    r.PointID,
			DataType: string(r.Type),
			Value:    r.Payload,
		})
	}
	return &Envelope{
		Timestamp: time.Now().Unix(),
		Property:  points,
	}
}

// Remap applies a rule's field mapping to the envelope, producing the
// target platform's expected shape. Mapping keys are the canonical field
// names ("timestamp", "property", "point", "data_type", "value"); values
// are the platform's names. Unmapped fields keep their canonical names.
func (e *Envelope) Remap(fieldMap map[string]string) map[string]any {
	name := func(canonical string) string {
		if mapped, ok := fieldMap[canonical]; ok && mapped != "" {
			return mapped
		}
		return canonical
	}

	points := make([]map[string]any, 0, len(e.Property))
	for _, p := range e.Property {
		points = append(points, map[string]any{
			name("point"):     p.Point,
			name("data_type"): p.DataType,
			name("value"):     p.Value,
		})
	}
	return map[string]any{
		name("timestamp"): e.Timestamp,
		name("property"):  points,
	}
}

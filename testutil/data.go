package testutil

import (
	"encoding/json"
	"fmt"
	"testing"
)

// Reference point used by the round-trip tests.
const (
	SampleTime  int64   = 1678886400
	SampleX     float64 = 34.0522
	SampleY     float64 = -118.2437
	SampleSpeed float64 = 60
)

// WirePoint is one point in the inbound wire shape: [time, [x, y, speed]].
type WirePoint [2]any

// Point builds a wire point.
func Point(t int64, x, y, speed float64) WirePoint {
	return WirePoint{t, []float64{x, y, speed}}
}

// SamplePoint is the reference point in wire form.
func SamplePoint() WirePoint {
	return Point(SampleTime, SampleX, SampleY, SampleSpeed)
}

// Payload builds inbound telemetry messages device by device.
type Payload map[string]any

// NewPayload creates an empty message.
func NewPayload() Payload {
	return Payload{}
}

// Device adds a well-formed device entry.
func (p Payload) Device(id string, deviceTime int64, points ...WirePoint) Payload {
	data := make([]any, len(points))
	for i, pt := range points {
		data[i] = pt
	}
	p[id] = map[string]any{"data": data, "time": deviceTime}
	return p
}

// Raw adds a device entry verbatim, for malformed cases.
func (p Payload) Raw(id string, entry any) Payload {
	p[id] = entry
	return p
}

// Bytes encodes the message, failing the test on error.
func (p Payload) Bytes(t testing.TB) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any(p))
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return b
}

// UniformPayload builds n devices named device-0..device-(n-1), each with m
// points at consecutive seconds after SampleTime.
func UniformPayload(t testing.TB, n, m int) []byte {
	t.Helper()
	p := NewPayload()
	for i := 0; i < n; i++ {
		points := make([]WirePoint, m)
		for j := range points {
			points[j] = Point(SampleTime+int64(j), SampleX, SampleY, float64(j))
		}
		p.Device(fmt.Sprintf("device-%d", i), SampleTime, points...)
	}
	return p.Bytes(t)
}

// UnusablePayloads are top-level values that are not device mappings.
var UnusablePayloads = map[string]string{
	"null":    `null`,
	"string":  `"telemetry"`,
	"array":   `[{"d1":{"data":[],"time":1}}]`,
	"number":  `42`,
	"bool":    `true`,
	"invalid": `{"d1":`,
}

// Package telemetry defines the device telemetry types shared by the decoder,
// the acknowledgment pipeline and the signal store.
package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// SubjectPrefix is the subject prefix inbound telemetry is published under.
// The last token names the source, e.g. "xray.data.gateway-7".
const SubjectPrefix = "xray.data"

// SubjectPattern matches every inbound telemetry subject.
const SubjectPattern = SubjectPrefix + ".*"

// DataSubject returns the inbound subject for the given source token.
func DataSubject(source string) string {
	return SubjectPrefix + "." + source
}

// Coords is one position sample.
type Coords struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Speed float64 `json:"speed"`
}

// PointRecord is a single validated telemetry point.
type PointRecord struct {
	Time   int64  `json:"time"`
	Coords Coords `json:"coords"`
}

// DeviceBatch is the validated telemetry for one device. Only the decoder
// constructs these from untrusted input.
type DeviceBatch struct {
	Points []PointRecord `json:"points"`
	Time   int64         `json:"time"`
}

// Signal is one persisted DeviceBatch.
type Signal struct {
	UUID       string        `json:"uuid"`
	DeviceID   string        `json:"deviceId"`
	Time       int64         `json:"time"`
	PointCount int           `json:"pointCount"`
	ByteVolume int           `json:"byteVolume"`
	Points     []PointRecord `json:"points"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// EncodePoints returns the canonical serialization of points. Its length is
// the byteVolume recorded for a signal.
func EncodePoints(points []PointRecord) ([]byte, error) {
	if points == nil {
		points = []PointRecord{}
	}
	for i, p := range points {
		if !finite(p.Coords.X) || !finite(p.Coords.Y) || !finite(p.Coords.Speed) {
			return nil, fmt.Errorf("point %d: coordinates must be finite", i)
		}
	}
	return json.Marshal(points)
}

// ByteVolume returns the serialized size of points.
func ByteVolume(points []PointRecord) (int, error) {
	data, err := EncodePoints(points)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

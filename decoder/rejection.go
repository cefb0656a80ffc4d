package decoder

import "fmt"

// RejectionKind names why a device entry was dropped.
type RejectionKind string

// Rejection kinds
const (
	KindEmptyDeviceID     RejectionKind = "empty_device_id"
	KindNotAnObject       RejectionKind = "not_an_object"
	KindMissingPoints     RejectionKind = "missing_points"
	KindPointsNotArray    RejectionKind = "points_not_array"
	KindPointMalformed    RejectionKind = "point_malformed"
	KindTimeInvalid       RejectionKind = "time_invalid"
	KindCoordinateNaN     RejectionKind = "coordinate_not_numeric"
	KindCoordinateRange   RejectionKind = "coordinate_out_of_range"
	KindDeviceTimeInvalid RejectionKind = "device_time_invalid"
)

// Rejection describes one device entry dropped from a message. Index is the
// offending point position, or -1 when the defect is not point-level.
type Rejection struct {
	DeviceID string        `json:"device_id"`
	Kind     RejectionKind `json:"kind"`
	Detail   string        `json:"detail"`
	Index    int           `json:"index"`
}

func (r Rejection) Error() string {
	if r.Index >= 0 {
		return fmt.Sprintf("device %q: %s at point %d: %s", r.DeviceID, r.Kind, r.Index, r.Detail)
	}
	return fmt.Sprintf("device %q: %s: %s", r.DeviceID, r.Kind, r.Detail)
}

func reject(deviceID string, kind RejectionKind, index int, format string, args ...any) *Rejection {
	return &Rejection{
		DeviceID: deviceID,
		Kind:     kind,
		Detail:   fmt.Sprintf(format, args...),
		Index:    index,
	}
}

// Package decoder turns untrusted telemetry payloads into validated device
// batches.
//
// Validation is per device: a defect in one device entry drops that entry
// and leaves the rest of the message intact. Only a payload whose top level
// is not a JSON object is rejected as a whole.
package decoder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"

	"github.com/c360/xraysignals/errors"
	"github.com/c360/xraysignals/telemetry"
)

// Wire keys of a device entry. pointsAliasKey is read only when pointsKey is absent.
const (
	pointsKey      = "data"
	pointsAliasKey = "points"
	timeKey        = "time"
)

// Result is the outcome of decoding one message.
type Result struct {
	// Batches is nil when the message is unusable. Otherwise it holds every
	// device entry that validated, possibly none.
	Batches    map[string]telemetry.DeviceBatch
	Rejections []Rejection
	// Err explains why an unusable message was rejected.
	Err error
}

// Usable reports whether the top-level structure was a device mapping.
func (r Result) Usable() bool {
	return r.Batches != nil
}

// Empty reports whether a usable message kept no device entries.
func (r Result) Empty() bool {
	return r.Batches != nil && len(r.Batches) == 0
}

// DeviceIDs returns the accepted device ids in sorted order.
func (r Result) DeviceIDs() []string {
	ids := make([]string, 0, len(r.Batches))
	for id := range r.Batches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Decoder validates raw telemetry messages against a coordinate policy.
// It is safe for concurrent use.
type Decoder struct {
	policy Policy
	logger *slog.Logger
}

// New creates a Decoder. A nil logger uses slog.Default().
func New(policy Policy, logger *slog.Logger) (*Decoder, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.Mode == "" {
		policy.Mode = ModeNone
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{policy: policy, logger: logger}, nil
}

// Policy returns the coordinate policy in effect.
func (d *Decoder) Policy() Policy {
	return d.policy
}

// Decode parses payload and validates each device entry independently.
func (d *Decoder) Decode(payload []byte) Result {
	top, err := parseObject(payload)
	if err != nil {
		d.logger.Warn("telemetry message unusable",
			"error", err,
			"payload_bytes", len(payload))
		return Result{Err: err}
	}

	ids := make([]string, 0, len(top))
	for id := range top {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := Result{Batches: make(map[string]telemetry.DeviceBatch, len(top))}
	for _, id := range ids {
		batch, rej := d.DecodeDevice(id, top[id])
		if rej != nil {
			d.logger.Warn("device entry dropped",
				"device_id", rej.DeviceID,
				"kind", string(rej.Kind),
				"detail", rej.Detail,
				"index", rej.Index)
			result.Rejections = append(result.Rejections, *rej)
			continue
		}
		result.Batches[id] = batch
	}

	d.logger.Debug("telemetry message decoded",
		"devices", len(top),
		"accepted", len(result.Batches),
		"rejected", len(result.Rejections))

	return result
}

// DecodeDevice validates a single device entry. Exactly one of the return
// values is meaningful: the batch when the rejection is nil.
func (d *Decoder) DecodeDevice(id string, raw any) (telemetry.DeviceBatch, *Rejection) {
	if id == "" {
		return telemetry.DeviceBatch{}, reject(id, KindEmptyDeviceID, -1, "device id is empty")
	}

	entry, ok := raw.(map[string]any)
	if !ok {
		return telemetry.DeviceBatch{}, reject(id, KindNotAnObject, -1, "entry is %s", describe(raw))
	}

	rawPoints, present := entry[pointsKey]
	if !present {
		rawPoints, present = entry[pointsAliasKey]
	}
	if !present {
		return telemetry.DeviceBatch{}, reject(id, KindMissingPoints, -1, "no %q field", pointsKey)
	}

	elems, ok := rawPoints.([]any)
	if !ok {
		return telemetry.DeviceBatch{}, reject(id, KindPointsNotArray, -1, "points is %s", describe(rawPoints))
	}

	deviceTime, ok := asInt(entry[timeKey])
	if !ok {
		return telemetry.DeviceBatch{}, reject(id, KindDeviceTimeInvalid, -1,
			"time is %s, want integer", describe(entry[timeKey]))
	}

	points := make([]telemetry.PointRecord, 0, len(elems))
	for i, elem := range elems {
		point, rej := d.decodePoint(id, i, elem)
		if rej != nil {
			return telemetry.DeviceBatch{}, rej
		}
		points = append(points, point)
	}

	return telemetry.DeviceBatch{Points: points, Time: deviceTime}, nil
}

// decodePoint destructures [time, [x, y, speed]].
func (d *Decoder) decodePoint(id string, index int, elem any) (telemetry.PointRecord, *Rejection) {
	pair, ok := elem.([]any)
	if !ok || len(pair) != 2 {
		return telemetry.PointRecord{}, reject(id, KindPointMalformed, index,
			"want [time, [x, y, speed]], got %s", describe(elem))
	}

	ts, ok := asInt(pair[0])
	if !ok {
		return telemetry.PointRecord{}, reject(id, KindTimeInvalid, index,
			"time is %s, want integer", describe(pair[0]))
	}

	triple, ok := pair[1].([]any)
	if !ok || len(triple) != 3 {
		return telemetry.PointRecord{}, reject(id, KindPointMalformed, index,
			"want [x, y, speed], got %s", describe(pair[1]))
	}

	var values [3]float64
	for j, v := range triple {
		f, ok := asFloat(v)
		if !ok {
			return telemetry.PointRecord{}, reject(id, KindCoordinateNaN, index,
				"coordinate %d is %s", j, describe(v))
		}
		values[j] = f
	}

	coords := telemetry.Coords{X: values[0], Y: values[1], Speed: values[2]}
	if err := d.policy.Check(coords); err != nil {
		return telemetry.PointRecord{}, reject(id, KindCoordinateRange, index, "%v", err)
	}

	return telemetry.PointRecord{Time: ts, Coords: coords}, nil
}

// parseObject decodes payload with number preservation and requires a
// single top-level JSON object.
func parseObject(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrMalformedMessage, err),
			"Decoder", "Decode", "parse payload")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: trailing data after JSON value", errors.ErrMalformedMessage),
			"Decoder", "Decode", "parse payload")
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: top level is %s", errors.ErrMalformedMessage, describe(v)),
			"Decoder", "Decode", "check top level")
	}
	return obj, nil
}

// asInt accepts integral JSON numbers, including exponent forms such as 1.6788864e9.
func asInt(v any) (int64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func asFloat(v any) (float64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func describe(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "an object"
	case []any:
		return fmt.Sprintf("an array of %d", len(t))
	case string:
		return "a string"
	case bool:
		return "a boolean"
	case json.Number:
		return "the number " + t.String()
	default:
		return fmt.Sprintf("%T", v)
	}
}

package decoder

import (
	"fmt"

	"github.com/c360/xraysignals/errors"
	"github.com/c360/xraysignals/telemetry"
)

// Mode selects how point coordinates are range-checked.
type Mode string

// Supported coordinate modes
const (
	// ModeNone accepts any finite x/y (planar coordinates).
	ModeNone Mode = "none"
	// ModeGeographic treats x as latitude and y as longitude.
	ModeGeographic Mode = "geographic"
	// ModeBounds applies the configured MinX/MaxX/MinY/MaxY box.
	ModeBounds Mode = "bounds"
)

// Policy is the coordinate range policy applied to every point.
type Policy struct {
	Mode                Mode    `json:"mode"`
	MinX                float64 `json:"min_x,omitempty"`
	MaxX                float64 `json:"max_x,omitempty"`
	MinY                float64 `json:"min_y,omitempty"`
	MaxY                float64 `json:"max_y,omitempty"`
	RejectNegativeSpeed bool    `json:"reject_negative_speed,omitempty"`
}

// DefaultPolicy accepts planar coordinates without range checks.
func DefaultPolicy() Policy {
	return Policy{Mode: ModeNone}
}

// GeographicPolicy returns the latitude/longitude policy.
func GeographicPolicy() Policy {
	return Policy{Mode: ModeGeographic, MinX: -90, MaxX: 90, MinY: -180, MaxY: 180}
}

// Validate checks the policy is internally consistent.
func (p Policy) Validate() error {
	switch p.Mode {
	case "", ModeNone, ModeGeographic:
		return nil
	case ModeBounds:
		if p.MinX > p.MaxX || p.MinY > p.MaxY {
			return errors.WrapInvalid(
				fmt.Errorf("bounds inverted: x [%g, %g] y [%g, %g]", p.MinX, p.MaxX, p.MinY, p.MaxY),
				"Policy", "Validate", "check bounds")
		}
		return nil
	default:
		return errors.WrapInvalid(fmt.Errorf("unknown coordinate mode %q", p.Mode),
			"Policy", "Validate", "check mode")
	}
}

// Check returns a non-nil error describing why c violates the policy.
func (p Policy) Check(c telemetry.Coords) error {
	if p.RejectNegativeSpeed && c.Speed < 0 {
		return fmt.Errorf("speed %g is negative", c.Speed)
	}

	minX, maxX, minY, maxY := p.MinX, p.MaxX, p.MinY, p.MaxY
	switch p.Mode {
	case ModeGeographic:
		minX, maxX, minY, maxY = -90, 90, -180, 180
	case ModeBounds:
	default:
		return nil
	}

	if c.X < minX || c.X > maxX {
		return fmt.Errorf("x %g outside [%g, %g]", c.X, minX, maxX)
	}
	if c.Y < minY || c.Y > maxY {
		return fmt.Errorf("y %g outside [%g, %g]", c.Y, minY, maxY)
	}
	return nil
}

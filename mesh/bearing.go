package mesh

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// BearingFromHeadingPitch converts a heading/pitch pair (degrees) as seen from a
// node into a unit direction.
// Heading is measured around +Y starting at +Z, pitch is positive looking down.
func BearingFromHeadingPitch(headingDeg, pitchDeg float64) Vec {
	h := headingDeg * math.Pi / 180
	p := pitchDeg * math.Pi / 180
	return Vec{
		X: math.Cos(p) * math.Sin(h),
		Y: -math.Sin(p),
		Z: math.Cos(p) * math.Cos(h),
	}
}

// HeadingPitchFromBearing is the inverse of BearingFromHeadingPitch.
// Heading is normalized to [0, 360), pitch is in [-90, 90].
func HeadingPitchFromBearing(d Vec) (headingDeg, pitchDeg float64) {
	u, ok := Normalized(d)
	if !ok {
		return 0, 0
	}
	pitchDeg = -math.Asin(math.Max(-1, math.Min(1, u.Y))) * 180 / math.Pi
	if math.Abs(u.X) < 1e-12 && math.Abs(u.Z) < 1e-12 {
		// Straight up or down: heading is undefined
		return 0, pitchDeg
	}
	headingDeg = NormalizeAngle(math.Atan2(u.X, u.Z) * 180 / math.Pi)
	return headingDeg, pitchDeg
}

// NormalizeAngle normalizes an angle in degrees to the range [0, 360).
func NormalizeAngle(degrees float64) float64 {
	degrees = math.Mod(degrees, 360)
	if degrees < 0 {
		degrees += 360
	}
	return degrees
}

// AngleBetween returns the angle in degrees between two directions
func AngleBetween(a, b Vec) float64 {
	ua, okA := Normalized(a)
	ub, okB := Normalized(b)
	if !okA || !okB {
		return 0
	}
	cos := math.Max(-1, math.Min(1, r3.Dot(ua, ub)))
	return math.Acos(cos) * 180 / math.Pi
}

package mesh

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// parallelThreshold is the smallest squared length the first line's direction may
// keep once projected along the second line. Below it the two lines are treated as
// parallel and the intersection is rejected.
const parallelThreshold = 1e-9

// Line is a bearing line: every point Origin + t*Dir
type Line struct {
	Origin Vec
	Dir    Vec
}

// ClosestPointLineLine returns the point on line a that is closest to line b.
// Everything is projected onto the plane perpendicular to b, so that the whole of
// line b collapses to a single point. ok is false when the lines are (nearly)
// parallel and no stable answer exists.
func ClosestPointLineLine(a, b Line) (Vec, bool) {
	aOriginPrime := ProjectOnPlane(a.Origin, b.Dir)
	aDirPrime := ProjectOnPlane(a.Dir, b.Dir)
	bOriginPrime := ProjectOnPlane(b.Origin, b.Dir)

	denom := r3.Dot(aDirPrime, aDirPrime)
	if denom < parallelThreshold*r3.Dot(a.Dir, a.Dir) || denom == 0 {
		return Zero, false
	}

	t := r3.Dot(r3.Sub(bOriginPrime, aOriginPrime), aDirPrime) / denom
	p := r3.Add(a.Origin, r3.Scale(t, a.Dir))
	if !IsFinite(p) {
		return Zero, false
	}
	return p, true
}

// EstimateFromLines intersects the first pair of lines that is not degenerate
func EstimateFromLines(lines []Line) (Vec, bool) {
	for i := 0; i < len(lines); i++ {
		for j := i + 1; j < len(lines); j++ {
			if p, ok := ClosestPointLineLine(lines[i], lines[j]); ok {
				return p, true
			}
		}
	}
	return Zero, false
}

// linesThrough returns the bearing lines that pass through the given point.
// When the point is the observed one, the line starts at the observer and follows
// the bearing; when it is the observer, the line starts at the observed point and
// follows the reversed bearing. A nil keep accepts every relation.
func linesThrough(idx int, relations []Relation, positions []Vec, keep func(other int) bool) []Line {
	var lines []Line
	for _, r := range relations {
		switch idx {
		case r.Observed:
			if keep == nil || keep(r.Looker) {
				lines = append(lines, Line{Origin: positions[r.Looker], Dir: r.Direction})
			}
		case r.Looker:
			if keep == nil || keep(r.Observed) {
				lines = append(lines, Line{Origin: positions[r.Observed], Dir: r3.Scale(-1, r.Direction)})
			}
		}
	}
	return lines
}

// EstimateInitialPosition guesses a position for the point at idx from every
// relation it takes part in. ok is false when fewer than two usable lines exist.
func EstimateInitialPosition(idx int, relations []Relation, positions []Vec) (Vec, bool) {
	lines := linesThrough(idx, relations, positions, nil)
	if len(lines) < 2 {
		return Zero, false
	}
	return EstimateFromLines(lines)
}

package mesh

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// Normalize re-centers the positions and rescales them so the bounding box
// diagonal equals sceneWidth. Bearings don't change under translation or uniform
// scale, so without this the solution drifts away or collapses over time.
//
// Pinned points fix the frame themselves: with one pin the scene is scaled about
// it, with two or more nothing is done.
func Normalize(positions []Vec, sceneWidth float64, pinned []int) {
	if sceneWidth <= 0 || len(pinned) > 1 {
		return
	}
	b, ok := BoundsOf(positions)
	if !ok {
		return
	}
	diag := b.Diagonal()
	if diag == 0 || math.IsNaN(diag) || math.IsInf(diag, 0) {
		return
	}
	scale := sceneWidth / diag

	pivot := b.Center()
	if len(pinned) == 1 {
		pivot = positions[pinned[0]]
		for i, p := range positions {
			positions[i] = r3.Add(pivot, r3.Scale(scale, r3.Sub(p, pivot)))
		}
		return
	}
	for i, p := range positions {
		positions[i] = r3.Scale(scale, r3.Sub(p, pivot))
	}
}

// Gradient of (1 - dot(d, unit(observed-looker)))^2 with respect to looker.
// The gradient with respect to observed is its negative.
// ok is false when the two points coincide.
func Gradient(d, looker, observed Vec) (Vec, bool) {
	v := r3.Sub(observed, looker)
	vv := r3.Dot(v, v)
	if vv == 0 {
		return Zero, false
	}
	invNorm := 1 / math.Sqrt(vv)
	c := r3.Dot(d, v) / vv
	g := r3.Scale(2*(invNorm-c), r3.Sub(d, r3.Scale(c, v)))
	if !IsFinite(g) {
		return Zero, false
	}
	return g, true
}

// RelationError compares the estimated direction from looker to observed against
// the measured bearing. Zero is a perfect fit, 4 points the opposite way.
func RelationError(d, looker, observed Vec) float64 {
	u, ok := Normalized(r3.Sub(observed, looker))
	if !ok {
		return 1
	}
	e := 1 - r3.Dot(d, u)
	return e * e
}

// meanError averages RelationError over all relations
func meanError(relations []Relation, positions []Vec) float64 {
	if len(relations) == 0 {
		return 0
	}
	errs := make([]float64, len(relations))
	for i, r := range relations {
		errs[i] = RelationError(r.Direction, positions[r.Looker], positions[r.Observed])
	}
	return stat.Mean(errs, nil)
}

// MeanError returns the current average error of the dataset.
// It reads worker-owned state and must not run concurrently with Step.
func (ds *Dataset) MeanError() float64 {
	return meanError(ds.Relations, ds.positions)
}

// Step runs one optimizer iteration: normalize, accumulate every relation's
// gradient against the same positions, then apply and publish the offsets.
func (ds *Dataset) Step(stepSize, sceneWidth float64) {
	Normalize(ds.positions, sceneWidth, ds.pinned)

	for _, r := range ds.Relations {
		g, ok := Gradient(r.Direction, ds.positions[r.Looker], ds.positions[r.Observed])
		if !ok {
			continue
		}
		offset := r3.Scale(stepSize, g)
		ds.offsets[r.Looker] = r3.Sub(ds.offsets[r.Looker], offset)
		ds.offsets[r.Observed] = r3.Add(ds.offsets[r.Observed], offset)
	}

	for i, p := range ds.Points {
		if !p.Pinned {
			next := r3.Add(ds.positions[i], ds.offsets[i])
			if IsFinite(next) {
				ds.positions[i] = next
			}
		}
		ds.offsets[i] = Zero
		p.publish(ds.positions[i])
	}
	ds.iteration.Add(1)
}

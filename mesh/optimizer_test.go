package mesh

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// ---------------------------------------------------------------------------
// Normalize
// ---------------------------------------------------------------------------

func TestNormalize_Free(t *testing.T) {
	positions := []Vec{{X: 1, Y: 1, Z: 1}, {X: 4, Y: 5, Z: 1}, {X: 2, Y: 3, Z: 13}}
	Normalize(positions, 100, nil)

	b, _ := BoundsOf(positions)
	assert.InDelta(t, 100, b.Diagonal(), 1e-9)
	assert.True(t, vecNear(b.Center(), Zero, 1e-9), "center %v", b.Center())
}

func TestNormalize_KeepsShape(t *testing.T) {
	positions := []Vec{{}, {X: 3}, {Z: 4}}
	before := AngleBetween(r3.Sub(positions[1], positions[0]), r3.Sub(positions[2], positions[0]))
	Normalize(positions, 10, nil)
	after := AngleBetween(r3.Sub(positions[1], positions[0]), r3.Sub(positions[2], positions[0]))
	assert.InDelta(t, before, after, 1e-9)
	assert.InDelta(t, 6, r3.Norm(r3.Sub(positions[1], positions[0])), 1e-9)
}

func TestNormalize_OnePin(t *testing.T) {
	pin := Vec{X: 7, Y: -2, Z: 3}
	positions := []Vec{{X: 1}, pin, {X: 2, Y: 4, Z: 4}}
	Normalize(positions, 50, []int{1})

	assert.Equal(t, pin, positions[1], "pinned point must stay put")
	b, _ := BoundsOf(positions)
	assert.InDelta(t, 50, b.Diagonal(), 1e-9)
}

func TestNormalize_NoOp(t *testing.T) {
	tests := []struct {
		name       string
		positions  []Vec
		sceneWidth float64
		pinned     []int
	}{
		{"two pins", []Vec{{}, {X: 1}, {X: 5, Z: 5}}, 100, []int{0, 1}},
		{"zero width", []Vec{{}, {X: 1}}, 0, nil},
		{"coincident points", []Vec{{X: 2}, {X: 2}}, 100, nil},
		{"no points", nil, 100, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := append([]Vec(nil), tt.positions...)
			Normalize(tt.positions, tt.sceneWidth, tt.pinned)
			assert.Equal(t, want, tt.positions)
		})
	}
}

// ---------------------------------------------------------------------------
// Gradient and error
// ---------------------------------------------------------------------------

func TestGradient_MatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	randVec := func(scale float64) Vec {
		return Vec{X: (rng.Float64() - 0.5) * scale, Y: (rng.Float64() - 0.5) * scale, Z: (rng.Float64() - 0.5) * scale}
	}

	const h = 1e-6
	for i := 0; i < 20; i++ {
		d, _ := Normalized(randVec(2))
		looker, observed := randVec(10), randVec(10)

		g, ok := Gradient(d, looker, observed)
		require.True(t, ok)

		axes := []Vec{{X: 1}, {Y: 1}, {Z: 1}}
		numeric := make([]float64, 3)
		for k, axis := range axes {
			plus := RelationError(d, r3.Add(looker, r3.Scale(h, axis)), observed)
			minus := RelationError(d, r3.Sub(looker, r3.Scale(h, axis)), observed)
			numeric[k] = (plus - minus) / (2 * h)
		}
		assert.InDelta(t, numeric[0], g.X, 1e-5, "case %d x", i)
		assert.InDelta(t, numeric[1], g.Y, 1e-5, "case %d y", i)
		assert.InDelta(t, numeric[2], g.Z, 1e-5, "case %d z", i)
	}
}

func TestGradient_ZeroAtPerfectFit(t *testing.T) {
	g, ok := Gradient(Vec{X: 1}, Zero, Vec{X: 7})
	require.True(t, ok)
	assert.True(t, vecNear(g, Zero, 1e-15), "gradient %v", g)
}

func TestGradient_Coincident(t *testing.T) {
	_, ok := Gradient(Vec{X: 1}, Vec{Y: 2}, Vec{Y: 2})
	assert.False(t, ok)
}

func TestRelationError(t *testing.T) {
	tests := []struct {
		name     string
		d        Vec
		looker   Vec
		observed Vec
		want     float64
	}{
		{"perfect", Vec{Z: 1}, Zero, Vec{Z: 3}, 0},
		{"perpendicular", Vec{Z: 1}, Zero, Vec{X: 3}, 1},
		{"opposite", Vec{Z: 1}, Zero, Vec{Z: -3}, 4},
		{"coincident", Vec{Z: 1}, Vec{X: 1}, Vec{X: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, RelationError(tt.d, tt.looker, tt.observed), 1e-12)
		})
	}
}

func TestMeanError_NoRelations(t *testing.T) {
	assert.Equal(t, 0.0, meanError(nil, nil))
	ds := &Dataset{}
	assert.Equal(t, 0.0, ds.MeanError())
}

// ---------------------------------------------------------------------------
// Step
// ---------------------------------------------------------------------------

// twoAnchorScene has two trusted anchors 10 apart and one target they both see
// at (5, 5, 0). The target starts at the origin plus jitter.
func twoAnchorScene(t *testing.T) (*Scene, []Observation) {
	l1, l2, target := Zero, Vec{X: 10}, Vec{X: 5, Y: 5}
	sc := newTestScene(testEntity{"l1", l1, true}, testEntity{"l2", l2, true}, testEntity{"target", Zero, false})
	return sc, []Observation{
		observe(t, "l1", "target", l1, target),
		observe(t, "l2", "target", l2, target),
	}
}

func TestStep_ConvergesToBearings(t *testing.T) {
	for _, seed := range []int64{1, 2, 3, 42} {
		sc, obs := twoAnchorScene(t)
		ds := BuildDataset(obs, sc, BuildOptions{
			Rand:       rand.New(rand.NewSource(seed)),
			Jitter:     1,
			PinAnchors: true,
		})
		require.Len(t, ds.Points, 3)

		checkpoints := map[int64]float64{}
		prev := math.Inf(1)
		for ds.Iteration() < 5000 {
			ds.Step(1, 100)
			switch ds.Iteration() {
			case 10, 100, 1000, 5000:
				checkpoints[ds.Iteration()] = ds.MeanError()
			}
			if ds.Iteration()%100 == 0 {
				e := ds.MeanError()
				assert.LessOrEqual(t, e, prev+1e-9, "seed %d: error rose at iteration %d", seed, ds.Iteration())
				prev = e
			}
		}

		assert.Greater(t, checkpoints[10], checkpoints[100], "seed %d", seed)
		assert.Greater(t, checkpoints[100], checkpoints[1000], "seed %d", seed)
		assert.Greater(t, checkpoints[1000], checkpoints[5000], "seed %d", seed)
		assert.Less(t, checkpoints[5000], 1e-4, "seed %d", seed)

		i, _ := ds.PointIndex("target")
		got := ds.Points[i].Position()
		assert.Less(t, r3.Norm(r3.Sub(got, Vec{X: 5, Y: 5})), 1.5, "seed %d: target at %v", seed, got)
		assert.Equal(t, int64(5000), ds.Iteration())
	}
}

func TestStep_ConvergesAtSmallStep(t *testing.T) {
	const step = 0.01

	for _, seed := range []int64{1, 7, 42} {
		sc, obs := twoAnchorScene(t)
		ds := BuildDataset(obs, sc, BuildOptions{
			Rand:             rand.New(rand.NewSource(seed)),
			Jitter:           1,
			PinAnchors:       true,
			SeedFromEstimate: true,
		})
		require.Len(t, ds.Points, 3)

		for i := 0; i < 5000; i++ {
			ds.Step(step, 100)
		}
		assert.Less(t, ds.MeanError(), 1e-4, "seed %d", seed)

		positions := ds.Positions()
		for _, r := range ds.Relations {
			line := r3.Sub(positions[r.Observed], positions[r.Looker])
			assert.Less(t, AngleBetween(r.Direction, line), 0.1,
				"seed %d: %s -> %s", seed, ds.Points[r.Looker].Owner, ds.Points[r.Observed].Owner)
		}
	}
}

func TestStep_UnpinnedTwoAnchorSceneIsEmpty(t *testing.T) {
	// Each anchor sees only one line, so without pinning nothing survives
	sc, obs := twoAnchorScene(t)
	ds := BuildDataset(obs, sc, BuildOptions{SeedFromEstimate: true})
	assert.True(t, ds.Empty())
}

func TestStep_ErrorNeverRises(t *testing.T) {
	truth := map[EntityID]Vec{
		"a": Zero,
		"b": {X: 10},
		"c": {Z: 10},
		"d": {X: 3, Y: 8, Z: 4},
	}
	sc := newTestScene(
		testEntity{"a", truth["a"], false},
		testEntity{"b", truth["b"], false},
		testEntity{"c", truth["c"], false},
		testEntity{"d", truth["d"], false},
	)
	var obs []Observation
	for _, pair := range [][2]EntityID{{"a", "b"}, {"b", "c"}, {"c", "a"}, {"d", "a"}, {"d", "b"}, {"c", "d"}} {
		obs = append(obs, observe(t, pair[0], pair[1], truth[pair[0]], truth[pair[1]]))
	}

	ds := BuildDataset(obs, sc, BuildOptions{Rand: rand.New(rand.NewSource(3)), Jitter: 1})
	require.Len(t, ds.Points, 4)

	prev := math.Inf(1)
	for ds.Iteration() < 5000 {
		ds.Step(1, 100)
		if ds.Iteration()%100 != 0 {
			continue
		}
		e := ds.MeanError()
		assert.LessOrEqual(t, e, prev+1e-9, "error rose at iteration %d", ds.Iteration())
		prev = e
	}
}

func TestStep_FreeSceneKeepsItsFrame(t *testing.T) {
	a, b, c := Zero, Vec{X: 10}, Vec{Z: 10}
	sc := newTestScene(testEntity{"a", a, false}, testEntity{"b", b, false}, testEntity{"c", c, false})
	obs := []Observation{observe(t, "a", "b", a, b), observe(t, "b", "c", b, c), observe(t, "c", "a", c, a)}

	ds := BuildDataset(obs, sc, BuildOptions{Rand: rand.New(rand.NewSource(5)), Jitter: 1})
	require.Len(t, ds.Points, 3)
	start := ds.MeanError()

	for i := 0; i < 2000; i++ {
		ds.Step(1, 100)
	}

	bounds, _ := BoundsOf(ds.Positions())
	assert.InDelta(t, 100, bounds.Diagonal(), 0.01)
	assert.True(t, vecNear(bounds.Center(), Zero, 0.01), "center drifted to %v", bounds.Center())
	assert.LessOrEqual(t, ds.MeanError(), start)
}

func TestStep_PerfectFitDoesNotMove(t *testing.T) {
	sc, obs := twoAnchorScene(t)
	require.NoError(t, sc.MoveEntity("target", Vec{X: 5, Y: 5}, false))

	ds := BuildDataset(obs, sc, BuildOptions{PinAnchors: true})
	before := ds.Positions()
	ds.Step(1, 100)
	after := ds.Positions()
	for i := range before {
		assert.True(t, vecNear(before[i], after[i], 1e-12), "point %s moved", ds.Points[i].Owner)
	}
}

func TestStep_SkipsCoincidentPoints(t *testing.T) {
	sc, obs := twoAnchorScene(t)
	ds := BuildDataset(obs, sc, BuildOptions{PinAnchors: true})

	// The target starts on top of l1; only l2's relation can pull it
	ds.Step(1, 100)
	for _, p := range ds.Positions() {
		assert.True(t, IsFinite(p), "position %v", p)
	}
	assert.False(t, math.IsNaN(ds.MeanError()))
}

package mesh

import (
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"
)

// EntityID identifies a host entity (node or point of interest)
type EntityID string

// EntityStore is the host side of the solver: it knows where entities are,
// whether their positions can be trusted, and receives solved positions back.
type EntityStore interface {
	// Lookup returns the current position of an entity and whether it is trusted.
	// ok is false when the entity does not exist.
	Lookup(id EntityID) (pos Vec, initialized bool, ok bool)

	// SetPosition writes a solved position back. It returns false, and does
	// nothing, when the entity no longer exists.
	SetPosition(id EntityID, pos Vec) bool

	// MarkInitialized records that the entity's position is now trusted.
	MarkInitialized(id EntityID)

	// Anchored reports whether the host fixed the entity's position itself,
	// as opposed to the solver having initialized it.
	Anchored(id EntityID) bool
}

// RelationKey identifies an observation by its two endpoints
type RelationKey struct {
	Observer EntityID
	Observed EntityID
}

// Observation is one host relation: the observer sees the observed entity along Direction
type Observation struct {
	Observer  EntityID
	Observed  EntityID
	Direction Vec
}

// NewObservation validates an observation and normalizes its direction
func NewObservation(observer, observed EntityID, direction Vec) (Observation, error) {
	o := Observation{Observer: observer, Observed: observed, Direction: direction}
	if err := o.Validate(); err != nil {
		return Observation{}, err
	}
	o.Direction, _ = Normalized(direction)
	return o, nil
}

// Key returns the identity of the observation
func (o Observation) Key() RelationKey {
	return RelationKey{Observer: o.Observer, Observed: o.Observed}
}

// Validate checks the observation can take part in a dataset
func (o Observation) Validate() error {
	if o.Observer == "" || o.Observed == "" {
		return fmt.Errorf("observation %q -> %q: %w", o.Observer, o.Observed, ErrUnknownEntity)
	}
	if o.Observer == o.Observed {
		return fmt.Errorf("observation %q: %w", o.Observer, ErrSelfRelation)
	}
	if _, ok := Normalized(o.Direction); !ok {
		return fmt.Errorf("observation %q -> %q: %w", o.Observer, o.Observed, ErrZeroBearing)
	}
	return nil
}

// Point is one optimizable entity inside a dataset
type Point struct {
	Owner       EntityID
	Initialized bool // position was trusted when the dataset was built
	Pinned      bool // anchored and never moved by the optimizer

	// live holds the float64 bits of the last published position, so readers on
	// other goroutines can copy it while the worker keeps iterating.
	live [3]atomic.Uint64
}

// Position returns the last published position. Components are read one by one,
// so a concurrent iteration may be only partially visible.
func (p *Point) Position() Vec {
	return Vec{
		X: math.Float64frombits(p.live[0].Load()),
		Y: math.Float64frombits(p.live[1].Load()),
		Z: math.Float64frombits(p.live[2].Load()),
	}
}

func (p *Point) publish(v Vec) {
	p.live[0].Store(math.Float64bits(v.X))
	p.live[1].Store(math.Float64bits(v.Y))
	p.live[2].Store(math.Float64bits(v.Z))
}

// Relation links two points of the same dataset by index.
// Direction is the unit bearing from Looker to Observed as reported by Looker.
type Relation struct {
	Looker    int
	Observed  int
	Direction Vec
}

// Dataset is an immutable set of points and relations optimized together.
// Only positions change over its lifetime, and only the solver worker changes them.
type Dataset struct {
	ID        string
	Points    []*Point
	Relations []Relation

	// Worker-owned scratch state
	positions []Vec
	offsets   []Vec
	pinned    []int

	iteration atomic.Int64
	plateau   atomic.Bool
}

// Empty reports whether there is anything to optimize
func (ds *Dataset) Empty() bool {
	return ds == nil || len(ds.Points) == 0
}

// Iteration returns how many iterations ran on this dataset
func (ds *Dataset) Iteration() int64 {
	return ds.iteration.Load()
}

// rewind resets the iteration count and plateau flag, keeping the positions
func (ds *Dataset) rewind() {
	ds.iteration.Store(0)
	ds.plateau.Store(false)
}

// Positions returns a copy of the published positions, indexed like Points
func (ds *Dataset) Positions() []Vec {
	out := make([]Vec, len(ds.Points))
	for i, p := range ds.Points {
		out[i] = p.Position()
	}
	return out
}

// PointIndex returns the index of the point owned by id
func (ds *Dataset) PointIndex(id EntityID) (int, bool) {
	for i, p := range ds.Points {
		if p.Owner == id {
			return i, true
		}
	}
	return -1, false
}

// BuildOptions controls how a dataset is bootstrapped
type BuildOptions struct {
	// Rand is the source of jitter for untrusted points. Nil disables jitter.
	Rand *rand.Rand
	// Jitter is the size of the random offset cube added to untrusted positions.
	Jitter float64
	// PinAnchors keeps anchored points fixed and lets them determine their neighbours.
	PinAnchors bool
	// SeedFromEstimate starts untrusted points at their line-intersection estimate.
	SeedFromEstimate bool
}

// BuildDataset turns the relation list into a self-consistent dataset.
// Points that cannot be estimated from at least two bearing lines are dropped,
// together with every relation touching them, and the drop propagates through
// the graph until nothing changes. The owners of retained points are marked
// initialized in the store.
func BuildDataset(observations []Observation, store EntityStore, opts BuildOptions) *Dataset {
	index := make(map[EntityID]int)
	var owners []EntityID
	var positions []Vec
	var trusted []bool
	var anchored []bool

	addPoint := func(id EntityID) (int, bool) {
		if i, ok := index[id]; ok {
			return i, true
		}
		pos, initialized, ok := store.Lookup(id)
		if !ok {
			return -1, false
		}
		if !initialized && opts.Rand != nil && opts.Jitter > 0 {
			pos = r3.Add(pos, Vec{
				X: opts.Rand.Float64() * opts.Jitter,
				Y: opts.Rand.Float64() * opts.Jitter,
				Z: opts.Rand.Float64() * opts.Jitter,
			})
		}
		i := len(owners)
		index[id] = i
		owners = append(owners, id)
		positions = append(positions, pos)
		trusted = append(trusted, initialized)
		anchored = append(anchored, opts.PinAnchors && store.Anchored(id))
		return i, true
	}

	var relations []Relation
	for _, o := range observations {
		if o.Validate() != nil {
			continue
		}
		looker, okL := addPoint(o.Observer)
		observed, okO := addPoint(o.Observed)
		if !okL || !okO {
			continue
		}
		dir, _ := Normalized(o.Direction)
		relations = append(relations, Relation{Looker: looker, Observed: observed, Direction: dir})
	}

	alive := pruneUnderdetermined(relations, positions, anchored)

	// Compact the survivors
	remap := make([]int, len(owners))
	ds := &Dataset{ID: uuid.New().String()}
	for i := range owners {
		if !alive[i] {
			remap[i] = -1
			continue
		}
		remap[i] = len(ds.Points)
		ds.Points = append(ds.Points, &Point{
			Owner:       owners[i],
			Initialized: trusted[i],
			Pinned:      anchored[i],
		})
		ds.positions = append(ds.positions, positions[i])
	}
	for _, r := range relations {
		if !alive[r.Looker] || !alive[r.Observed] {
			continue
		}
		ds.Relations = append(ds.Relations, Relation{
			Looker:    remap[r.Looker],
			Observed:  remap[r.Observed],
			Direction: r.Direction,
		})
	}

	if opts.SeedFromEstimate {
		for i, p := range ds.Points {
			if p.Initialized {
				continue
			}
			if est, ok := EstimateInitialPosition(i, ds.Relations, ds.positions); ok {
				ds.positions[i] = est
			}
		}
	}

	ds.offsets = make([]Vec, len(ds.Points))
	for i, p := range ds.Points {
		p.publish(ds.positions[i])
		if p.Pinned {
			ds.pinned = append(ds.pinned, i)
		}
		store.MarkInitialized(p.Owner)
	}
	return ds
}

// pruneUnderdetermined runs a worklist over the relation graph. A point stays
// alive while it has two bearing lines to live neighbours that intersect, or,
// for pinned points, at least one live neighbour. Whenever a point dies its
// neighbours are queued again.
func pruneUnderdetermined(relations []Relation, positions []Vec, pinned []bool) []bool {
	n := len(positions)
	alive := make([]bool, n)
	incident := make([][]Relation, n)
	for i := range alive {
		alive[i] = true
	}
	for _, r := range relations {
		incident[r.Looker] = append(incident[r.Looker], r)
		incident[r.Observed] = append(incident[r.Observed], r)
	}

	isAlive := func(i int) bool { return alive[i] }
	estimable := func(i int) bool {
		lines := linesThrough(i, incident[i], positions, isAlive)
		if pinned[i] {
			return len(lines) > 0
		}
		if len(lines) < 2 {
			return false
		}
		_, ok := EstimateFromLines(lines)
		return ok
	}

	queue := make([]int, 0, n)
	queued := make([]bool, n)
	for i := 0; i < n; i++ {
		queue = append(queue, i)
		queued[i] = true
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		queued[i] = false
		if !alive[i] || estimable(i) {
			continue
		}
		alive[i] = false
		for _, r := range incident[i] {
			other := r.Looker
			if other == i {
				other = r.Observed
			}
			if alive[other] && !queued[other] {
				queue = append(queue, other)
				queued[other] = true
			}
		}
	}
	return alive
}

// WriteBack copies the published position of every point to its owner and
// returns how many owners accepted it. Owners the store no longer knows are skipped.
func (ds *Dataset) WriteBack(store EntityStore) int {
	if ds == nil {
		return 0
	}
	n := 0
	for _, p := range ds.Points {
		if store.SetPosition(p.Owner, p.Position()) {
			n++
		}
	}
	return n
}

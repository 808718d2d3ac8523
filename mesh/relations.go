package mesh

// RelationSet is the ordered list of observations the solver builds datasets from.
// An observation is identified by its observer and observed entity; adding one
// that already exists replaces its bearing in place.
// It is not safe for concurrent use on its own.
type RelationSet struct {
	items []Observation
	index map[RelationKey]int
}

// NewRelationSet creates an empty set
func NewRelationSet() *RelationSet {
	return &RelationSet{index: make(map[RelationKey]int)}
}

// AddOrUpdate inserts o, or replaces the bearing of the existing observation with the same key
func (rs *RelationSet) AddOrUpdate(o Observation) {
	if i, ok := rs.index[o.Key()]; ok {
		rs.items[i] = o
		return
	}
	rs.index[o.Key()] = len(rs.items)
	rs.items = append(rs.items, o)
}

// Remove deletes the observation with the given key and reports whether it existed
func (rs *RelationSet) Remove(key RelationKey) bool {
	if _, ok := rs.index[key]; !ok {
		return false
	}
	rs.filter(func(o Observation) bool { return o.Key() != key })
	return true
}

// RemoveObserved deletes every observation of the given entity and returns how many were removed
func (rs *RelationSet) RemoveObserved(id EntityID) int {
	before := len(rs.items)
	rs.filter(func(o Observation) bool { return o.Observed != id })
	return before - len(rs.items)
}

// RemoveEntity deletes every observation the entity takes part in, on either side
func (rs *RelationSet) RemoveEntity(id EntityID) int {
	before := len(rs.items)
	rs.filter(func(o Observation) bool { return o.Observed != id && o.Observer != id })
	return before - len(rs.items)
}

// Clear removes everything
func (rs *RelationSet) Clear() {
	rs.items = nil
	rs.index = make(map[RelationKey]int)
}

// Len returns the number of observations
func (rs *RelationSet) Len() int {
	return len(rs.items)
}

// List returns a copy of the observations in insertion order
func (rs *RelationSet) List() []Observation {
	out := make([]Observation, len(rs.items))
	copy(out, rs.items)
	return out
}

// Get returns the observation with the given key
func (rs *RelationSet) Get(key RelationKey) (Observation, bool) {
	i, ok := rs.index[key]
	if !ok {
		return Observation{}, false
	}
	return rs.items[i], true
}

func (rs *RelationSet) filter(keep func(Observation) bool) {
	kept := rs.items[:0]
	for _, o := range rs.items {
		if keep(o) {
			kept = append(kept, o)
		}
	}
	for i := len(kept); i < len(rs.items); i++ {
		rs.items[i] = Observation{}
	}
	rs.items = kept
	rs.index = make(map[RelationKey]int, len(kept))
	for i, o := range kept {
		rs.index[o.Key()] = i
	}
}

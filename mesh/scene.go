package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Entity is a node or point of interest known to the scene
type Entity struct {
	ID          EntityID
	Name        string
	Kind        EntityKind
	Position    Vec
	Initialized bool // position is trusted
	Anchored    bool // position was fixed by hand or by the scene file
	UpdatedAt   time.Time
}

// Scene is the host-side registry of entities. It implements EntityStore so a
// Solver can read seed positions from it and write solved positions back.
type Scene struct {
	mu        sync.RWMutex
	entities  map[EntityID]*Entity
	cachePath string // path to the position cache; empty disables persistence
}

// NewScene creates an empty scene
func NewScene() *Scene {
	return &Scene{entities: make(map[EntityID]*Entity)}
}

// NewSceneWithCache creates a scene that persists positions to cachePath.
// If the file exists, its positions are loaded right away.
func NewSceneWithCache(cachePath string) *Scene {
	sc := NewScene()
	sc.cachePath = cachePath
	if cachePath != "" {
		if positions, err := LoadPositions(cachePath); err == nil {
			sc.ApplyPositions(positions)
			log.Printf("[SCENE] Loaded %d cached positions from %s", len(positions), cachePath)
		}
	}
	return sc
}

// EnsureEntity creates the entity at the origin, untrusted, unless it already exists.
// An existing entity keeps its position; only an empty name or kind is filled in.
func (sc *Scene) EnsureEntity(id EntityID, kind EntityKind, name string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if e, ok := sc.entities[id]; ok {
		if e.Name == "" {
			e.Name = name
		}
		if e.Kind == "" {
			e.Kind = kind
		}
		return
	}
	sc.entities[id] = &Entity{ID: id, Name: name, Kind: kind, UpdatedAt: time.Now()}
}

// PutEntity inserts or replaces an entity
func (sc *Scene) PutEntity(e Entity) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	sc.entities[e.ID] = &e
}

// MoveEntity places an entity by hand. A trusted position also anchors the entity.
func (sc *Scene) MoveEntity(id EntityID, pos Vec, trusted bool) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	e, ok := sc.entities[id]
	if !ok {
		return fmt.Errorf("entity %q: %w", id, ErrUnknownEntity)
	}
	e.Position = pos
	e.Initialized = trusted
	e.Anchored = trusted
	e.UpdatedAt = time.Now()
	return nil
}

// DeleteEntity removes an entity. Later write-backs for it are ignored.
func (sc *Scene) DeleteEntity(id EntityID) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if _, ok := sc.entities[id]; !ok {
		return false
	}
	delete(sc.entities, id)
	return true
}

// Entity returns a copy of one entity
func (sc *Scene) Entity(id EntityID) (Entity, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	e, ok := sc.entities[id]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Entities returns copies of all entities sorted by ID
func (sc *Scene) Entities() []Entity {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	out := make([]Entity, 0, len(sc.entities))
	for _, e := range sc.entities {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Positions returns the publishable position of every entity, sorted by ID
func (sc *Scene) Positions() []EntityPosition {
	entities := sc.Entities()
	out := make([]EntityPosition, len(entities))
	for i, e := range entities {
		out[i] = EntityPosition{
			ID:          e.ID,
			Name:        e.Name,
			Kind:        e.Kind,
			Position:    CoordOf(e.Position),
			Initialized: e.Initialized,
			Anchored:    e.Anchored,
			Timestamp:   e.UpdatedAt.Unix(),
		}
	}
	return out
}

// ApplyPositions sets positions from a saved list, creating missing entities.
// An entity that is already anchored stays anchored.
func (sc *Scene) ApplyPositions(positions []EntityPosition) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, p := range positions {
		e, ok := sc.entities[p.ID]
		if !ok {
			e = &Entity{ID: p.ID, Name: p.Name, Kind: p.Kind}
			sc.entities[p.ID] = e
		}
		e.Position = p.Position.Vec()
		e.Initialized = p.Initialized || e.Anchored
		e.Anchored = e.Anchored || p.Anchored
		e.UpdatedAt = time.Unix(p.Timestamp, 0)
	}
}

// Lookup implements EntityStore
func (sc *Scene) Lookup(id EntityID) (Vec, bool, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	e, ok := sc.entities[id]
	if !ok {
		return Zero, false, false
	}
	return e.Position, e.Initialized, true
}

// SetPosition implements EntityStore
func (sc *Scene) SetPosition(id EntityID, pos Vec) bool {
	if !IsFinite(pos) {
		return false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	e, ok := sc.entities[id]
	if !ok {
		return false
	}
	e.Position = pos
	e.UpdatedAt = time.Now()
	return true
}

// Anchored implements EntityStore
func (sc *Scene) Anchored(id EntityID) bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	e, ok := sc.entities[id]
	return ok && e.Anchored
}

// MarkInitialized implements EntityStore
func (sc *Scene) MarkInitialized(id EntityID) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if e, ok := sc.entities[id]; ok {
		e.Initialized = true
	}
}

// Persist writes the positions to the cache file, if one is configured
func (sc *Scene) Persist() error {
	if sc.cachePath == "" {
		return nil
	}
	return SavePositions(sc.Positions(), sc.cachePath)
}

// positionCache is the on-disk form of the position cache
type positionCache struct {
	SavedAt  int64            `json:"savedAt"`
	Entities []EntityPosition `json:"entities"`
}

// SavePositions writes positions to disk as JSON.
func SavePositions(positions []EntityPosition, path string) error {
	data, err := json.MarshalIndent(positionCache{SavedAt: time.Now().Unix(), Entities: positions}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write position cache: %w", err)
	}
	return nil
}

// LoadPositions reads positions from a JSON file on disk.
func LoadPositions(path string) ([]EntityPosition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read position cache: %w", err)
	}
	var pc positionCache
	if err := json.Unmarshal(data, &pc); err != nil {
		return nil, fmt.Errorf("unmarshal position cache: %w", err)
	}
	return pc.Entities, nil
}

package mesh

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SceneFile is the YAML description of a scene: entities and the bearings between them
type SceneFile struct {
	Nodes     []SceneEntity   `yaml:"nodes"`
	POIs      []SceneEntity   `yaml:"pois,omitempty"`
	Relations []SceneRelation `yaml:"relations"`
}

// SceneEntity declares one entity. A position marked initialized is trusted as
// a starting point; a position marked anchored is also fixed by hand.
type SceneEntity struct {
	ID          EntityID `yaml:"id"`
	Name        string   `yaml:"name,omitempty"`
	Position    *Coord   `yaml:"position,omitempty"`
	Initialized bool     `yaml:"initialized,omitempty"`
	Anchored    bool     `yaml:"anchored,omitempty"`
}

// SceneRelation declares one bearing, either as a direction vector or as a
// heading/pitch pair in degrees.
type SceneRelation struct {
	Observer  EntityID `yaml:"observer"`
	Observed  EntityID `yaml:"observed"`
	Direction *Coord   `yaml:"direction,omitempty"`
	Heading   *float64 `yaml:"heading,omitempty"`
	Pitch     *float64 `yaml:"pitch,omitempty"`
}

// Observation converts the relation into a validated observation
func (r SceneRelation) Observation() (Observation, error) {
	var dir Vec
	switch {
	case r.Direction != nil:
		dir = r.Direction.Vec()
	case r.Heading != nil:
		pitch := 0.0
		if r.Pitch != nil {
			pitch = *r.Pitch
		}
		dir = BearingFromHeadingPitch(*r.Heading, pitch)
	default:
		return Observation{}, fmt.Errorf("relation %q -> %q: direction or heading is required", r.Observer, r.Observed)
	}
	return NewObservation(r.Observer, r.Observed, dir)
}

// LoadSceneFile reads a scene from a YAML file
func LoadSceneFile(path string) (*Scene, []Observation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("scene file not found: %s", path)
		}
		return nil, nil, fmt.Errorf("reading scene file: %w", err)
	}
	return ParseScene(data)
}

// ParseScene builds a scene and its observations from YAML. Every relation must
// reference a declared entity.
func ParseScene(data []byte) (*Scene, []Observation, error) {
	var sf SceneFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, nil, fmt.Errorf("parsing scene YAML: %w", err)
	}

	sc := NewScene()
	declare := func(kind EntityKind, list []SceneEntity) error {
		for i, se := range list {
			if se.ID == "" {
				return fmt.Errorf("%s[%d].id is required", kind, i)
			}
			if _, exists := sc.Entity(se.ID); exists {
				return fmt.Errorf("%s[%d]: duplicate entity %q", kind, i, se.ID)
			}
			e := Entity{ID: se.ID, Name: se.Name, Kind: kind}
			if se.Position != nil {
				e.Position = se.Position.Vec()
				e.Initialized = se.Initialized || se.Anchored
				e.Anchored = se.Anchored
			}
			sc.PutEntity(e)
		}
		return nil
	}
	if err := declare(KindNode, sf.Nodes); err != nil {
		return nil, nil, err
	}
	if err := declare(KindPOI, sf.POIs); err != nil {
		return nil, nil, err
	}

	observations := make([]Observation, 0, len(sf.Relations))
	for i, r := range sf.Relations {
		for _, id := range []EntityID{r.Observer, r.Observed} {
			if _, ok := sc.Entity(id); !ok {
				return nil, nil, fmt.Errorf("relations[%d]: entity %q: %w", i, id, ErrUnknownEntity)
			}
		}
		o, err := r.Observation()
		if err != nil {
			return nil, nil, fmt.Errorf("relations[%d]: %w", i, err)
		}
		observations = append(observations, o)
	}
	return sc, observations, nil
}

// NewSceneFile describes the scene and observations as a SceneFile, with the
// current positions of every entity.
func NewSceneFile(sc *Scene, observations []Observation) SceneFile {
	var sf SceneFile
	for _, e := range sc.Entities() {
		pos := CoordOf(e.Position)
		se := SceneEntity{ID: e.ID, Name: e.Name, Position: &pos, Initialized: e.Initialized, Anchored: e.Anchored}
		if e.Kind == KindPOI {
			sf.POIs = append(sf.POIs, se)
		} else {
			sf.Nodes = append(sf.Nodes, se)
		}
	}
	for _, o := range observations {
		dir := CoordOf(o.Direction)
		sf.Relations = append(sf.Relations, SceneRelation{Observer: o.Observer, Observed: o.Observed, Direction: &dir})
	}
	return sf
}

// SaveSceneFile writes a scene file as YAML
func SaveSceneFile(path string, sf SceneFile) error {
	data, err := yaml.Marshal(sf)
	if err != nil {
		return fmt.Errorf("marshaling scene YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing scene file: %w", err)
	}
	return nil
}

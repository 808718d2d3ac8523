package mesh

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// PlanPoint projects a scene position onto the ground plane. The scene is y-up,
// so the plan keeps x and z and drops the height.
func PlanPoint(v Vec) orb.Point {
	return orb.Point{v.X, v.Z}
}

// PlanBound returns the ground plane bounds of the entities
func PlanBound(entities []Entity) orb.Bound {
	if len(entities) == 0 {
		return orb.Bound{}
	}
	mp := make(orb.MultiPoint, len(entities))
	for i, e := range entities {
		mp[i] = PlanPoint(e.Position)
	}
	return mp.Bound()
}

// PlanFeatureCollection builds a top-down GeoJSON view of the scene: one Point
// feature per entity and one LineString per observation whose endpoints are both
// known. Relation features carry their current fit error.
func PlanFeatureCollection(entities []Entity, observations []Observation) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	byID := make(map[EntityID]Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e

		f := geojson.NewFeature(PlanPoint(e.Position))
		f.ID = string(e.ID)
		f.Properties["layerType"] = "entity"
		f.Properties["id"] = string(e.ID)
		f.Properties["kind"] = string(e.Kind)
		f.Properties["height"] = e.Position.Y
		f.Properties["initialized"] = e.Initialized
		f.Properties["anchored"] = e.Anchored
		if e.Name != "" {
			f.Properties["name"] = e.Name
		}
		fc.Append(f)
	}

	for _, o := range observations {
		from, okFrom := byID[o.Observer]
		to, okTo := byID[o.Observed]
		if !okFrom || !okTo {
			continue
		}
		ls := orb.LineString{PlanPoint(from.Position), PlanPoint(to.Position)}
		f := geojson.NewFeature(ls)
		f.Properties["layerType"] = "relation"
		f.Properties["observer"] = string(o.Observer)
		f.Properties["observed"] = string(o.Observed)
		f.Properties["length"] = planar.Length(ls)
		f.Properties["error"] = RelationError(o.Direction, from.Position, to.Position)
		fc.Append(f)
	}
	return fc
}

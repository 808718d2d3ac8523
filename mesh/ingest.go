package mesh

import (
	"fmt"
	"log"
)

// Observation message actions
const (
	ActionUpsert       = "upsert"
	ActionRemove       = "remove"
	ActionRemoveTarget = "removeTarget"
	ActionClear        = "clear"
	ActionRun          = "run"
	ActionPause        = "pause"
	ActionRebuild      = "rebuild"
)

// ObservationMessage is the JSON form of a relation change, as received over
// MQTT or HTTP. An empty action means upsert.
type ObservationMessage struct {
	Action    string   `json:"action,omitempty"`
	Observer  EntityID `json:"observer,omitempty"`
	Observed  EntityID `json:"observed,omitempty"`
	Direction *Coord   `json:"direction,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Pitch     *float64 `json:"pitch,omitempty"`
}

func (m ObservationMessage) actionName() string {
	if m.Action == "" {
		return ActionUpsert
	}
	return m.Action
}

// Observation converts an upsert message into a validated observation
func (m ObservationMessage) Observation() (Observation, error) {
	return SceneRelation{
		Observer:  m.Observer,
		Observed:  m.Observed,
		Direction: m.Direction,
		Heading:   m.Heading,
		Pitch:     m.Pitch,
	}.Observation()
}

// ObservationRouter applies observation messages to a scene and its solver
type ObservationRouter struct {
	Scene  *Scene
	Solver *Solver
}

// Handle applies one message
func (r *ObservationRouter) Handle(m ObservationMessage) error {
	switch m.actionName() {
	case ActionUpsert:
		o, err := m.Observation()
		if err != nil {
			return err
		}
		r.Scene.EnsureEntity(o.Observer, KindNode, "")
		r.Scene.EnsureEntity(o.Observed, KindPOI, "")
		return r.Solver.AddOrUpdateRelation(o)

	case ActionRemove:
		if m.Observer == "" || m.Observed == "" {
			return fmt.Errorf("remove needs observer and observed")
		}
		_, err := r.Solver.RemoveRelation(m.Observer, m.Observed)
		return err

	case ActionRemoveTarget:
		if m.Observed == "" {
			return fmt.Errorf("removeTarget needs observed")
		}
		_, err := r.RemovePointOfInterest(m.Observed)
		return err

	case ActionClear:
		r.Solver.ClearData()
		return nil

	case ActionRun:
		r.Solver.SetRunning(true)
		return nil

	case ActionPause:
		r.Solver.SetRunning(false)
		return nil

	case ActionRebuild:
		return r.Solver.Rebuild()
	}
	return fmt.Errorf("unknown action %q", m.Action)
}

// RemovePointOfInterest drops every observation of a target and, when the
// scene holds it as a point of interest, the target itself.
func (r *ObservationRouter) RemovePointOfInterest(id EntityID) (int, error) {
	n, err := r.Solver.RemovePointOfInterest(id)
	if err != nil {
		return 0, err
	}
	if e, ok := r.Scene.Entity(id); ok && e.Kind == KindPOI {
		r.Scene.DeleteEntity(id)
		log.Printf("[SOLVER] Removed point of interest %s (%d observations)", id, n)
	}
	return n, nil
}

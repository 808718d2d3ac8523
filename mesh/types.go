package mesh

import (
	"math/rand"
	"time"
)

// Coord is the wire/file form of a 3D vector
type Coord struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
}

// Vec converts the coordinate to a vector
func (c Coord) Vec() Vec {
	return Vec{X: c.X, Y: c.Y, Z: c.Z}
}

// CoordOf converts a vector to its wire form
func CoordOf(v Vec) Coord {
	return Coord{X: v.X, Y: v.Y, Z: v.Z}
}

// EntityKind tells anchors (capture nodes) from targets (points of interest)
type EntityKind string

const (
	KindNode EntityKind = "node"
	KindPOI  EntityKind = "poi"
)

// EntityPosition is the published position of one entity
type EntityPosition struct {
	ID          EntityID   `json:"id"`
	Name        string     `json:"name,omitempty"`
	Kind        EntityKind `json:"kind"`
	Position    Coord      `json:"position"`
	Initialized bool       `json:"initialized"`
	Anchored    bool       `json:"anchored,omitempty"`
	Timestamp   int64      `json:"timestamp"`
}

// SolverStatus summarizes what the solver is doing
type SolverStatus struct {
	DatasetID        string  `json:"datasetId,omitempty"`
	State            string  `json:"state"`
	Running          bool    `json:"running"`
	Computing        bool    `json:"computing"`
	Iteration        int64   `json:"iteration"`
	IterationsPerSec float64 `json:"iterationsPerSec"`
	MeanError        float64 `json:"meanError"`
	Points           int     `json:"points"`
	Relations        int     `json:"relations"`
	Observations     int     `json:"observations"`
}

// SolverConfig holds the tuning of the background solver
type SolverConfig struct {
	MaxIterations    int64         `yaml:"maxIterations" json:"maxIterations"`
	StepSize         float64       `yaml:"stepSize" json:"stepSize"`
	SceneWidth       float64       `yaml:"sceneWidth" json:"sceneWidth"`                         // Bounding box diagonal enforced every iteration
	IterationDelay   time.Duration `yaml:"iterationDelay,omitempty" json:"iterationDelay,omitempty"` // Debug only: sleep between iterations
	ErrorRefreshRate float64       `yaml:"errorRefreshRate" json:"errorRefreshRate"`             // Mean error / throughput refreshes per second
	IdlePollInterval time.Duration `yaml:"idlePollInterval" json:"idlePollInterval"`
	AutoPause        bool          `yaml:"autoPause,omitempty" json:"autoPause,omitempty"`           // Stop iterating once the error plateaus
	PlateauEpsilon   float64       `yaml:"plateauEpsilon,omitempty" json:"plateauEpsilon,omitempty"` // Minimum error improvement per refresh with AutoPause
	PinAnchors       bool          `yaml:"pinAnchors,omitempty" json:"pinAnchors,omitempty"`
	SeedFromEstimate bool          `yaml:"seedFromEstimate,omitempty" json:"seedFromEstimate,omitempty"`
	Jitter           float64       `yaml:"jitter" json:"jitter"`                   // Random offset added to untrusted positions
	Seed             int64         `yaml:"seed,omitempty" json:"seed,omitempty"`   // Jitter seed; 0 uses the clock
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"` // Bound on joining the worker

	RNG *rand.Rand `yaml:"-" json:"-"` // Random source for jitter; overrides Seed
}

// DefaultSolverConfig returns a slow, stable step and a 100m wide scene
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		MaxIterations:    1000000,
		StepSize:         0.001,
		SceneWidth:       100,
		ErrorRefreshRate: 10,
		IdlePollInterval: 500 * time.Millisecond,
		PlateauEpsilon:   1e-9,
		Jitter:           1,
		ShutdownTimeout:  5 * time.Second,
	}
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker           string `yaml:"broker" json:"broker"`
	PublishPrefix    string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID         string `yaml:"clientId" json:"clientId"`
	Username         string `yaml:"username,omitempty" json:"username,omitempty"`
	Password         string `yaml:"password,omitempty" json:"password,omitempty"`
	ObservationTopic string `yaml:"observationTopic,omitempty" json:"observationTopic,omitempty"` // Incoming bearing observations
}

// HTTPConfig holds the HTTP server settings
type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}

// Config represents the full configuration file
type Config struct {
	Solver          SolverConfig  `yaml:"solver" json:"solver"`
	MQTT            MQTTConfig    `yaml:"mqtt" json:"mqtt"`
	HTTP            HTTPConfig    `yaml:"http" json:"http"`
	Scene           string        `yaml:"scene,omitempty" json:"scene,omitempty"`                     // Scene file with nodes, POIs and relations
	PositionCache   string        `yaml:"positionCache,omitempty" json:"positionCache,omitempty"`     // Solved positions persisted across restarts
	TickInterval    time.Duration `yaml:"tickInterval,omitempty" json:"tickInterval,omitempty"`       // How often positions are read back
	PublishInterval time.Duration `yaml:"publishInterval,omitempty" json:"publishInterval,omitempty"` // How often positions are published
}

// DefaultConfig returns a configuration with every optional field populated
func DefaultConfig() *Config {
	return &Config{
		Solver:          DefaultSolverConfig(),
		MQTT:            MQTTConfig{PublishPrefix: "posemesh", ClientID: "posemesh", ObservationTopic: "posemesh/observations"},
		HTTP:            HTTPConfig{Port: 8080},
		PositionCache:   ".position-cache.json",
		TickInterval:    50 * time.Millisecond,
		PublishInterval: time.Second,
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kwv/posemesh/mesh"
	"gonum.org/v1/plot/vg"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *mesh.Config
	Scene      *mesh.Scene
	Solver     *mesh.Solver
	Recorder   *mesh.ConvergenceRecorder
	MQTTClient *mesh.MQTTClient
	Publisher  *mesh.Publisher

	out io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile    string
	SceneFile     string
	PositionCache string
	OutputDir     string
	Format        string
	Iterations    int64
	StepSize      float64
	Seed          int64
	PinAnchors    bool
	HttpPort      int
	MqttMode      bool
	HttpMode      bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Recorder: mesh.NewConvergenceRecorder(mesh.DefaultConvergenceCapacity),
		out:      os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.SceneFile = opts.SceneFile
	a.PositionCache = opts.PositionCache
	a.OutputDir = opts.OutputDir
	a.Format = opts.Format
	a.Iterations = opts.Iterations
	a.StepSize = opts.StepSize
	a.Seed = opts.Seed
	a.PinAnchors = opts.PinAnchors
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// loadConfig reads the config file and applies CLI overrides. A missing file
// at the default path falls back to defaults.
func (a *App) loadConfig() (*mesh.Config, error) {
	cfg := mesh.DefaultConfig()
	switch {
	case a.ConfigFile == "":
	case a.ConfigFile == "config.yaml" && !fileExists(a.ConfigFile):
		log.Printf("Warning: %s not found, using defaults", a.ConfigFile)
	default:
		loaded, err := mesh.LoadConfig(a.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		log.Printf("Loaded config from %s", a.ConfigFile)
		cfg = loaded
	}

	if a.SceneFile != "" {
		cfg.Scene = a.SceneFile
	}
	if a.PositionCache != "" {
		cfg.PositionCache = a.PositionCache
	}
	if a.StepSize > 0 {
		cfg.Solver.StepSize = a.StepSize
	}
	if a.Seed != 0 {
		cfg.Solver.Seed = a.Seed
	}
	if a.PinAnchors {
		cfg.Solver.PinAnchors = true
	}
	if a.HttpPort > 0 {
		cfg.HTTP.Port = a.HttpPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a.Config = cfg
	return cfg, nil
}

// loadScene builds the scene from the scene file, then applies cached
// positions of entities the scene still declares.
func (a *App) loadScene(cfg *mesh.Config) (*mesh.Scene, []mesh.Observation, error) {
	scene := mesh.NewScene()
	var observations []mesh.Observation
	if cfg.Scene != "" {
		var err error
		scene, observations, err = mesh.LoadSceneFile(cfg.Scene)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("Loaded scene from %s: %d entities, %d relations", cfg.Scene, len(scene.Entities()), len(observations))
	}

	if cfg.PositionCache != "" && fileExists(cfg.PositionCache) {
		cached, err := mesh.LoadPositions(cfg.PositionCache)
		if err != nil {
			log.Printf("Warning: Failed to load position cache %s: %v", cfg.PositionCache, err)
		} else {
			known := cached[:0]
			for _, p := range cached {
				if _, ok := scene.Entity(p.ID); ok || cfg.Scene == "" {
					known = append(known, p)
				}
			}
			scene.ApplyPositions(known)
			log.Printf("Applied %d cached positions from %s", len(known), cfg.PositionCache)
		}
	}
	return scene, observations, nil
}

func (a *App) newSolver(cfg *mesh.Config, scene *mesh.Scene) *mesh.Solver {
	solver := mesh.NewSolver(cfg.Solver, scene)
	if a.Recorder == nil {
		a.Recorder = mesh.NewConvergenceRecorder(mesh.DefaultConvergenceCapacity)
	}
	solver.OnSample(a.Recorder.Record)
	a.Scene = scene
	a.Solver = solver
	return solver
}

// RunSolve solves the scene synchronously and writes positions, GeoJSON,
// plan renders and the convergence plot to the output directory.
func (a *App) RunSolve() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	scene, observations, err := a.loadScene(cfg)
	if err != nil {
		return err
	}
	solver := a.newSolver(cfg, scene)
	if err := solver.AddAllRelations(observations); err != nil {
		return err
	}
	solver.SetRunning(true)

	start := time.Now()
	done, err := solver.Iterate(context.Background(), a.Iterations)
	if err != nil {
		return err
	}
	solver.Tick()

	st := solver.Status()
	fmt.Fprintf(a.out, "Solved %d points / %d relations in %d iterations (%s)\n",
		st.Points, st.Relations, done, time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(a.out, "Mean error: %.3g\n", st.MeanError)

	return a.writeOutputs(scene, solver.Relations())
}

func (a *App) writeOutputs(scene *mesh.Scene, observations []mesh.Observation) error {
	dir := a.OutputDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	if err := mesh.SavePositions(scene.Positions(), filepath.Join(dir, "positions.json")); err != nil {
		return err
	}
	if err := mesh.SaveSceneFile(filepath.Join(dir, "scene.solved.yaml"), mesh.NewSceneFile(scene, observations)); err != nil {
		return err
	}

	entities := scene.Entities()
	fc := mesh.PlanFeatureCollection(entities, observations)
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan GeoJSON: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plan.geojson"), data, 0o644); err != nil {
		return fmt.Errorf("write plan GeoJSON: %w", err)
	}

	if len(entities) > 0 {
		renderer := mesh.NewPlanRenderer(entities, observations)
		if a.Format == "svg" || a.Format == "both" || a.Format == "" {
			if err := writeFile(filepath.Join(dir, "plan.svg"), renderer.RenderToSVG); err != nil {
				return err
			}
		}
		if a.Format == "png" || a.Format == "both" || a.Format == "" {
			if err := writeFile(filepath.Join(dir, "plan.png"), renderer.RenderToPNG); err != nil {
				return err
			}
		}
	}

	if len(a.Recorder.Samples()) > 0 {
		err := writeFile(filepath.Join(dir, "convergence.png"), func(w io.Writer) error {
			return a.Recorder.WritePNG(w, 8*vg.Inch, 4*vg.Inch)
		})
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(a.out, "Outputs written to %s\n", dir)
	return nil
}

// RunService runs the solver in the background with MQTT and/or HTTP until
// SIGINT or SIGTERM.
func (a *App) RunService() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.serve(ctx)
}

func (a *App) serve(ctx context.Context) error {
	fmt.Fprintln(a.out, "Starting posemesh service...")

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	scene, observations, err := a.loadScene(cfg)
	if err != nil {
		return err
	}
	solver := a.newSolver(cfg, scene)
	if err := solver.AddAllRelations(observations); err != nil {
		return err
	}

	router := &mesh.ObservationRouter{Scene: scene, Solver: solver}

	if a.MqttMode {
		client, err := mesh.InitMQTT(cfg, router.Handle)
		if err != nil {
			return fmt.Errorf("initialize MQTT: %w", err)
		}
		if client == nil {
			return fmt.Errorf("MQTT broker not configured in %s", a.ConfigFile)
		}
		a.MQTTClient = client
		a.Publisher = mesh.NewPublisher(client.GetClient(), cfg.MQTT.PublishPrefix)
		fmt.Fprintln(a.out, "MQTT position publisher initialized")
	}

	solver.Start(ctx)
	solver.SetRunning(true)

	var srv *http.Server
	httpErr := make(chan error, 1)
	if a.HttpMode {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler:           newHTTPServer(scene, solver, a.Recorder, router),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Server starting on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
	}

	a.printServiceInfo(cfg)

	tick := time.NewTicker(cfg.TickInterval)
	defer tick.Stop()
	publishInterval := cfg.PublishInterval
	if publishInterval <= 0 {
		publishInterval = time.Second
	}
	publish := time.NewTicker(publishInterval)
	defer publish.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-httpErr:
			runErr = fmt.Errorf("HTTP server: %w", err)
			break loop
		case <-tick.C:
			solver.Tick()
		case <-publish.C:
			a.publish(scene, solver)
		}
	}

	fmt.Fprintln(a.out, "Shutting down service...")
	return errors.Join(runErr, a.shutdown(srv, scene, solver))
}

func (a *App) publish(scene *mesh.Scene, solver *mesh.Solver) {
	if err := scene.Persist(); err != nil {
		log.Printf("Warning: failed to save position cache: %v", err)
	}
	if a.Publisher == nil || a.MQTTClient == nil || !a.MQTTClient.IsConnected() {
		return
	}
	if _, err := a.Publisher.PublishPositions(scene.Positions()); err != nil {
		log.Printf("[MQTT] Error publishing positions: %v", err)
	}
	if err := a.Publisher.PublishStatus(solver.Status()); err != nil {
		log.Printf("[MQTT] Error publishing status: %v", err)
	}
}

func (a *App) shutdown(srv *http.Server, scene *mesh.Scene, solver *mesh.Solver) error {
	timeout := a.Config.Solver.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if err := solver.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := scene.Persist(); err != nil {
		errs = append(errs, fmt.Errorf("save position cache: %w", err))
	}
	if len(errs) == 0 {
		fmt.Fprintln(a.out, "Service stopped")
	}
	return errors.Join(errs...)
}

func (a *App) printServiceInfo(cfg *mesh.Config) {
	fmt.Fprintln(a.out, "\nService Running")
	fmt.Fprintln(a.out, "===============")

	if a.MqttMode {
		fmt.Fprintln(a.out, "\nMQTT:")
		fmt.Fprintf(a.out, "  Observations: %s\n", cfg.MQTT.ObservationTopic)
		fmt.Fprintf(a.out, "  Publishing to: %s/{entityID}\n", cfg.MQTT.PublishPrefix)
		fmt.Fprintf(a.out, "  Combined positions: %s/positions\n", cfg.MQTT.PublishPrefix)
		fmt.Fprintf(a.out, "  Solver status: %s/status\n", cfg.MQTT.PublishPrefix)
	}

	if a.HttpMode {
		fmt.Fprintf(a.out, "\nHTTP endpoints (port %d):\n", cfg.HTTP.Port)
		fmt.Fprintln(a.out, "  GET    /health             - Health check")
		fmt.Fprintln(a.out, "  GET    /status             - Solver status")
		fmt.Fprintln(a.out, "  GET    /positions          - Entity positions")
		fmt.Fprintln(a.out, "  GET    /positions.geojson  - Plan view as GeoJSON")
		fmt.Fprintln(a.out, "  GET    /plan.svg, /plan.png - Plan view render")
		fmt.Fprintln(a.out, "  GET    /convergence.png    - Mean error over iterations")
		fmt.Fprintln(a.out, "  POST   /running?on=bool    - Enable or disable solving")
		fmt.Fprintln(a.out, "  POST   /relations          - Apply an observation message")
		fmt.Fprintln(a.out, "  DELETE /relations          - Remove one relation")
		fmt.Fprintln(a.out, "  DELETE /pois/{id}          - Remove a point of interest")
	}

	fmt.Fprintln(a.out, "\nPress Ctrl+C to stop")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeFile(path string, render func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := render(f); err != nil {
		f.Close()
		return fmt.Errorf("render %s: %w", path, err)
	}
	return f.Close()
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile    string
	SceneFile     string
	PositionCache string
	OutputDir     string
	Format        string
	Iterations    int64
	StepSize      float64
	Seed          int64
	PinAnchors    bool
	SolveOnly     bool
	MqttMode      bool
	HttpMode      bool
	HttpPort      int
}

// Runner is what run dispatches to
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunSolve() error
	RunService() error
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("posemesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.SceneFile, "scene", "", "Scene file with nodes, points of interest and relations (overrides config)")
	fs.StringVar(&opts.PositionCache, "position-cache", "", "Path to the solved position cache (overrides config)")
	fs.StringVar(&opts.OutputDir, "output-dir", ".", "Directory for --solve outputs")
	fs.StringVar(&opts.Format, "format", "both", "Plan output format for --solve: svg, png, or both")
	fs.Int64Var(&opts.Iterations, "iterations", 20000, "Iterations to run in --solve mode")
	fs.Float64Var(&opts.StepSize, "step", 0, "Optimizer step size (0 keeps the configured value)")
	fs.Int64Var(&opts.Seed, "seed", 0, "Jitter seed for reproducible runs (0 keeps the configured value)")
	fs.BoolVar(&opts.PinAnchors, "pin-anchors", false, "Keep anchored positions fixed while solving")
	fs.BoolVar(&opts.SolveOnly, "solve", false, "Solve the scene once, write outputs and exit")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run the service with MQTT ingest and publishing")
	fs.BoolVar(&opts.HttpMode, "http", false, "Run the service with the HTTP API")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (0 keeps the configured value)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "posemesh version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.SolveOnly:
		return app.RunSolve()
	case opts.MqttMode || opts.HttpMode:
		return app.RunService()
	}

	fmt.Fprintln(out, "Use --solve --scene=scene.yaml to solve a scene once")
	fmt.Fprintln(out, "Use --mqtt to ingest observations and publish positions over MQTT")
	fmt.Fprintln(out, "Use --http to serve status, positions and plan renders")
	fmt.Fprintln(out, "Use --mqtt --http to run both together")
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/posemesh/mesh"
	"gonum.org/v1/plot/vg"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(scene *mesh.Scene, solver *mesh.Solver, recorder *mesh.ConvergenceRecorder, router *mesh.ObservationRouter) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			State     string    `json:"state"`
			Entities  int       `json:"entities"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			State:     solver.State(),
			Entities:  len(scene.Entities()),
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, solver.Status())
	})

	mux.HandleFunc("GET /positions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, scene.Positions())
	})

	mux.HandleFunc("GET /positions.geojson", func(w http.ResponseWriter, r *http.Request) {
		fc := mesh.PlanFeatureCollection(scene.Entities(), solver.Relations())
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(fc); err != nil {
			log.Printf("[HTTP] Error encoding plan GeoJSON: %v", err)
		}
	})

	// Plan view renders
	mux.HandleFunc("GET /plan.svg", func(w http.ResponseWriter, r *http.Request) {
		entities := scene.Entities()
		if len(entities) == 0 {
			http.Error(w, "No entities available", http.StatusServiceUnavailable)
			return
		}
		renderer := mesh.NewPlanRenderer(entities, solver.Relations())
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Printf("[HTTP] Error encoding plan SVG: %v", err)
		}
	})

	mux.HandleFunc("GET /plan.png", func(w http.ResponseWriter, r *http.Request) {
		entities := scene.Entities()
		if len(entities) == 0 {
			http.Error(w, "No entities available", http.StatusServiceUnavailable)
			return
		}
		renderer := mesh.NewPlanRenderer(entities, solver.Relations())
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToPNG(w); err != nil {
			log.Printf("[HTTP] Error encoding plan PNG: %v", err)
		}
	})

	mux.HandleFunc("GET /convergence.png", func(w http.ResponseWriter, r *http.Request) {
		if len(recorder.Samples()) == 0 {
			http.Error(w, "No convergence samples yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := recorder.WritePNG(w, 8*vg.Inch, 4*vg.Inch); err != nil {
			log.Printf("[HTTP] Error encoding convergence PNG: %v", err)
		}
	})

	mux.HandleFunc("POST /running", func(w http.ResponseWriter, r *http.Request) {
		on, err := strconv.ParseBool(r.URL.Query().Get("on"))
		if err != nil {
			http.Error(w, "on must be true or false", http.StatusBadRequest)
			return
		}
		solver.SetRunning(on)
		writeJSON(w, http.StatusOK, solver.Status())
	})

	mux.HandleFunc("POST /relations", func(w http.ResponseWriter, r *http.Request) {
		var msg mesh.ObservationMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, fmt.Sprintf("invalid observation: %v", err), http.StatusBadRequest)
			return
		}
		if err := router.Handle(msg); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, solver.Status())
	})

	mux.HandleFunc("DELETE /relations", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		observer, observed := mesh.EntityID(q.Get("observer")), mesh.EntityID(q.Get("observed"))
		if observer == "" || observed == "" {
			http.Error(w, "observer and observed are required", http.StatusBadRequest)
			return
		}
		removed, err := solver.RemoveRelation(observer, observed)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		if !removed {
			http.Error(w, "relation not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /pois/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := mesh.EntityID(r.PathValue("id"))
		n, err := router.RemovePointOfInterest(id)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removedRelations": n})
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Error encoding response: %v", err)
	}
}

// statusFor maps solver errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, mesh.ErrSolverClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

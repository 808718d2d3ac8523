package mesh

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Solver states reported by State
const (
	StateIdle      = "idle"
	StateIterating = "iterating"
)

// ErrorSample is one throttled refresh of the solver's aggregate outputs
type ErrorSample struct {
	DatasetID        string
	Iteration        int64
	MeanError        float64
	IterationsPerSec float64
	Time             time.Time
}

// Solver keeps a relation list, rebuilds a dataset whenever it changes, and
// optimizes the current dataset on a dedicated worker goroutine.
//
// Mutations run on the caller's goroutine under a mutex. The worker only ever
// sees datasets through an atomic pointer swap, so it never takes a lock.
type Solver struct {
	cfg   SolverConfig
	store EntityStore
	rng   *rand.Rand

	mu        sync.Mutex
	relations *RelationSet
	cancel    context.CancelFunc
	done      chan struct{}

	dataset  atomic.Pointer[Dataset]
	running  atomic.Bool
	started  atomic.Bool
	closed   atomic.Bool
	meanErr  atomic.Uint64
	ips      atomic.Uint64
	onSample atomic.Pointer[func(ErrorSample)]

	iterMu sync.Mutex
	wake   chan struct{}
}

// NewSolver creates a solver writing positions to store. The worker is not
// started and solving is disabled until SetRunning(true).
func NewSolver(cfg SolverConfig, store EntityStore) *Solver {
	rng := cfg.RNG
	if rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		rng = rand.New(rand.NewSource(seed))
	}
	return &Solver{
		cfg:       cfg,
		store:     store,
		rng:       rng,
		relations: NewRelationSet(),
		wake:      make(chan struct{}, 1),
	}
}

// OnSample registers fn to receive every throttled error refresh.
// fn runs on the worker goroutine and must not block.
func (s *Solver) OnSample(fn func(ErrorSample)) {
	if fn == nil {
		s.onSample.Store(nil)
		return
	}
	s.onSample.Store(&fn)
}

// Start launches the worker goroutine. Calling it again has no effect.
func (s *Solver) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil || s.closed.Load() {
		return
	}
	s.started.Store(true)
	// Wait for a manual Iterate to notice and give up the dataset
	s.iterMu.Lock()
	defer s.iterMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	log.Printf("[SOLVER] Worker started (step=%g, sceneWidth=%g, maxIterations=%d)",
		s.cfg.StepSize, s.cfg.SceneWidth, s.cfg.MaxIterations)
}

// Close stops the worker and waits for it to exit. The wait is bounded by ctx
// and by the configured shutdown timeout; running out of either returns
// ErrShutdownTimeout.
func (s *Solver) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	var timeout <-chan time.Time
	if s.cfg.ShutdownTimeout > 0 {
		t := time.NewTimer(s.cfg.ShutdownTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-done:
		log.Printf("[SOLVER] Worker stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrShutdownTimeout, ctx.Err())
	case <-timeout:
		return fmt.Errorf("%w: waited %s", ErrShutdownTimeout, s.cfg.ShutdownTimeout)
	}
}

// SetRunning enables or disables iteration. Disabling keeps the dataset, so
// enabling again resumes where the worker stopped.
func (s *Solver) SetRunning(on bool) {
	if s.running.Swap(on) == on {
		return
	}
	if on {
		s.mu.Lock()
		if ds := s.dataset.Load(); ds != nil {
			// A dataset that hit the iteration cap keeps its positions and
			// starts counting again.
			if s.capped(ds) {
				ds.rewind()
				log.Printf("[SOLVER] Dataset %s restarted after %d iterations", ds.ID, s.cfg.MaxIterations)
			}
			ds.plateau.Store(false)
		}
		s.mu.Unlock()
		s.signal()
	}
	log.Printf("[SOLVER] Solving %s", map[bool]string{true: "enabled", false: "disabled"}[on])
}

// Running reports whether solving is enabled
func (s *Solver) Running() bool {
	return s.running.Load()
}

// AddOrUpdateRelation adds an observation, or replaces the bearing of the one
// with the same observer and observed entity, then rebuilds the dataset.
func (s *Solver) AddOrUpdateRelation(o Observation) error {
	if err := o.Validate(); err != nil {
		return err
	}
	o.Direction, _ = Normalized(o.Direction)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrSolverClosed
	}
	s.relations.AddOrUpdate(o)
	s.rebuildLocked()
	return nil
}

// AddAllRelations adds or updates every observation and rebuilds once.
// Nothing is added when any observation is invalid.
func (s *Solver) AddAllRelations(observations []Observation) error {
	clean := make([]Observation, 0, len(observations))
	for i, o := range observations {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("observation %d: %w", i, err)
		}
		o.Direction, _ = Normalized(o.Direction)
		clean = append(clean, o)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrSolverClosed
	}
	for _, o := range clean {
		s.relations.AddOrUpdate(o)
	}
	s.rebuildLocked()
	return nil
}

// RemoveRelation deletes one observation and rebuilds. It reports whether the
// observation existed; nothing is rebuilt when it did not.
func (s *Solver) RemoveRelation(observer, observed EntityID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false, ErrSolverClosed
	}
	if !s.relations.Remove(RelationKey{Observer: observer, Observed: observed}) {
		return false, nil
	}
	s.rebuildLocked()
	return true, nil
}

// RemovePointOfInterest deletes every observation of the given target and
// rebuilds. It returns how many observations were removed.
func (s *Solver) RemovePointOfInterest(id EntityID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return 0, ErrSolverClosed
	}
	n := s.relations.RemoveObserved(id)
	if n > 0 {
		s.rebuildLocked()
	}
	return n, nil
}

// RemoveEntity deletes every observation the entity takes part in and rebuilds
func (s *Solver) RemoveEntity(id EntityID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return 0, ErrSolverClosed
	}
	n := s.relations.RemoveEntity(id)
	if n > 0 {
		s.rebuildLocked()
	}
	return n, nil
}

// Rebuild builds and installs a fresh dataset from the current relations,
// picking up positions the host changed since the last build.
func (s *Solver) Rebuild() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrSolverClosed
	}
	s.rebuildLocked()
	return nil
}

// ClearData drops the dataset and every observation. The worker goes idle.
func (s *Solver) ClearData() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations.Clear()
	s.dataset.Store(nil)
	s.meanErr.Store(0)
	s.ips.Store(0)
	log.Printf("[SOLVER] Solver data cleared")
}

// Relations returns a copy of the observation list
func (s *Solver) Relations() []Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relations.List()
}

// Dataset returns the currently installed dataset, or nil
func (s *Solver) Dataset() *Dataset {
	return s.dataset.Load()
}

// Tick copies the live position of every point to its owner. It does nothing
// while solving is disabled, so positions the host edits meanwhile are kept.
// It returns how many owners were updated.
func (s *Solver) Tick() int {
	ds := s.dataset.Load()
	if ds.Empty() || !s.running.Load() {
		return 0
	}
	return ds.WriteBack(s.store)
}

// Iterate runs up to n iterations on the caller's goroutine. It is meant for
// batch use and fails with ErrWorkerRunning once Start has been called.
func (s *Solver) Iterate(ctx context.Context, n int64) (int64, error) {
	if s.started.Load() {
		return 0, ErrWorkerRunning
	}
	s.iterMu.Lock()
	defer s.iterMu.Unlock()

	ds := s.dataset.Load()
	if ds.Empty() {
		return 0, nil
	}
	r := s.newRefresher(ds, time.Now())
	var done int64
	for done < n && !s.capped(ds) {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if s.started.Load() {
			return done, ErrWorkerRunning
		}
		ds.Step(s.cfg.StepSize, s.cfg.SceneWidth)
		done++
		s.maybeRefresh(r, time.Now(), false)
	}
	s.maybeRefresh(r, time.Now(), true)
	return done, nil
}

// MeanError returns the last refreshed mean error of the current dataset
func (s *Solver) MeanError() float64 {
	return math.Float64frombits(s.meanErr.Load())
}

// IterationNumber returns how many iterations ran on the current dataset
func (s *Solver) IterationNumber() int64 {
	ds := s.dataset.Load()
	if ds == nil {
		return 0
	}
	return ds.Iteration()
}

// IterationsPerSecond returns the throughput measured at the last refresh
func (s *Solver) IterationsPerSecond() float64 {
	return math.Float64frombits(s.ips.Load())
}

// Computing reports whether the worker has something to iterate on
func (s *Solver) Computing() bool {
	return s.shouldIterate(s.dataset.Load())
}

// State returns StateIterating or StateIdle
func (s *Solver) State() string {
	if s.Computing() {
		return StateIterating
	}
	return StateIdle
}

// Status collects the solver outputs in one value
func (s *Solver) Status() SolverStatus {
	ds := s.dataset.Load()
	s.mu.Lock()
	observations := s.relations.Len()
	s.mu.Unlock()

	st := SolverStatus{
		State:            s.State(),
		Running:          s.Running(),
		Computing:        s.Computing(),
		Iteration:        s.IterationNumber(),
		IterationsPerSec: s.IterationsPerSecond(),
		MeanError:        s.MeanError(),
		Observations:     observations,
	}
	if ds != nil {
		st.DatasetID = ds.ID
		st.Points = len(ds.Points)
		st.Relations = len(ds.Relations)
	}
	return st
}

func (s *Solver) rebuildLocked() {
	ds := BuildDataset(s.relations.List(), s.store, BuildOptions{
		Rand:             s.rng,
		Jitter:           s.cfg.Jitter,
		PinAnchors:       s.cfg.PinAnchors,
		SeedFromEstimate: s.cfg.SeedFromEstimate,
	})
	log.Printf("[SOLVER] Solver dataset rebuild: %d relations, %d points (id=%s)",
		len(ds.Relations), len(ds.Points), ds.ID)
	s.install(ds)
}

// install publishes a new dataset to the worker. The dataset is not yet visible
// to anyone else, so its error can be computed here.
func (s *Solver) install(ds *Dataset) {
	s.meanErr.Store(math.Float64bits(ds.MeanError()))
	s.ips.Store(0)
	s.dataset.Store(ds)
	s.signal()
}

func (s *Solver) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Solver) capped(ds *Dataset) bool {
	return s.cfg.MaxIterations > 0 && ds.Iteration() >= s.cfg.MaxIterations
}

func (s *Solver) shouldIterate(ds *Dataset) bool {
	return !ds.Empty() && s.running.Load() && !s.capped(ds) && !ds.plateau.Load()
}

func (s *Solver) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	poll := s.cfg.IdlePollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	var r *refresher
	for {
		if ctx.Err() != nil {
			return
		}
		ds := s.dataset.Load()
		if !s.shouldIterate(ds) {
			if r != nil && r.ds == ds {
				s.maybeRefresh(r, time.Now(), true)
			}
			r = nil
			s.ips.Store(0)
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			case <-time.After(poll):
			}
			continue
		}
		if r == nil || r.ds != ds || ds.Iteration() < r.iter {
			r = s.newRefresher(ds, time.Now())
		}

		ds.Step(s.cfg.StepSize, s.cfg.SceneWidth)
		s.maybeRefresh(r, time.Now(), false)

		if s.cfg.IterationDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.IterationDelay):
			}
		}
	}
}

// refresher tracks the throttle window of one dataset
type refresher struct {
	ds      *Dataset
	at      time.Time
	iter    int64
	lastErr float64
}

func (s *Solver) newRefresher(ds *Dataset, now time.Time) *refresher {
	return &refresher{ds: ds, at: now, iter: ds.Iteration(), lastErr: math.Inf(1)}
}

// maybeRefresh recomputes mean error and throughput once the refresh interval
// has passed, or right away when force is set.
func (s *Solver) maybeRefresh(r *refresher, now time.Time, force bool) {
	rate := s.cfg.ErrorRefreshRate
	if rate <= 0 {
		rate = 10
	}
	elapsed := now.Sub(r.at)
	if !force && elapsed < time.Duration(float64(time.Second)/rate) {
		return
	}
	iter := r.ds.Iteration()
	if iter == r.iter && !force {
		return
	}

	e := r.ds.MeanError()
	var ips float64
	if elapsed > 0 {
		ips = float64(iter-r.iter) / elapsed.Seconds()
	}
	// A rebuild may have replaced the dataset while this one was refreshing
	if s.dataset.Load() == r.ds {
		s.meanErr.Store(math.Float64bits(e))
		s.ips.Store(math.Float64bits(ips))
	}

	if s.cfg.AutoPause && iter > r.iter && r.lastErr-e < s.cfg.PlateauEpsilon {
		r.ds.plateau.Store(true)
		log.Printf("[SOLVER] Error plateau at iteration %d (meanError=%.3g), pausing", iter, e)
	}
	r.at, r.iter, r.lastErr = now, iter, e

	if fn := s.onSample.Load(); fn != nil {
		(*fn)(ErrorSample{
			DatasetID:        r.ds.ID,
			Iteration:        iter,
			MeanError:        e,
			IterationsPerSec: ips,
			Time:             now,
		})
	}
}

package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func testSolverConfig() SolverConfig {
	cfg := DefaultSolverConfig()
	cfg.StepSize = 1
	cfg.Seed = 1
	cfg.PinAnchors = true
	cfg.IdlePollInterval = 20 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newTestSolver(t *testing.T, cfg SolverConfig) (*Solver, *Scene, []Observation) {
	t.Helper()
	sc, obs := twoAnchorScene(t)
	return NewSolver(cfg, sc), sc, obs
}

func closeSolver(t *testing.T, s *Solver) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
}

// ---------------------------------------------------------------------------
// state
// ---------------------------------------------------------------------------

func TestSolver_NewIsIdle(t *testing.T) {
	s, _, _ := newTestSolver(t, testSolverConfig())

	assert.False(t, s.Running())
	assert.False(t, s.Computing())
	assert.Equal(t, StateIdle, s.State())
	assert.Nil(t, s.Dataset())
	assert.Equal(t, int64(0), s.IterationNumber())
	assert.Equal(t, 0.0, s.MeanError())

	st := s.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Empty(t, st.DatasetID)
	assert.Zero(t, st.Points)
}

func TestSolver_InstallWhileDisabledStaysIdle(t *testing.T) {
	s, sc, obs := newTestSolver(t, testSolverConfig())

	require.NoError(t, s.AddAllRelations(obs))
	ds := s.Dataset()
	require.NotNil(t, ds)
	assert.Len(t, ds.Points, 3)
	assert.Equal(t, StateIdle, s.State(), "a dataset alone must not start iterating")
	assert.Greater(t, s.MeanError(), 0.0, "error is computed at install time")

	// Owners of the dataset are now trusted by the host
	target, _ := sc.Entity("target")
	assert.True(t, target.Initialized)

	s.SetRunning(true)
	assert.Equal(t, StateIterating, s.State())
	assert.Same(t, ds, s.Dataset(), "enabling must not rebuild")

	s.SetRunning(false)
	assert.Equal(t, StateIdle, s.State())
	assert.Same(t, ds, s.Dataset(), "disabling must keep the dataset")
}

func TestSolver_Status(t *testing.T) {
	s, _, obs := newTestSolver(t, testSolverConfig())
	require.NoError(t, s.AddAllRelations(obs))
	s.SetRunning(true)

	st := s.Status()
	assert.Equal(t, s.Dataset().ID, st.DatasetID)
	assert.Equal(t, StateIterating, st.State)
	assert.True(t, st.Running)
	assert.True(t, st.Computing)
	assert.Equal(t, 3, st.Points)
	assert.Equal(t, 2, st.Relations)
	assert.Equal(t, 2, st.Observations)
}

func TestSolver_UnderdeterminedDatasetIsIdle(t *testing.T) {
	s, _, obs := newTestSolver(t, testSolverConfig())

	require.NoError(t, s.AddOrUpdateRelation(obs[0]))
	s.SetRunning(true)
	assert.True(t, s.Dataset().Empty())
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 1, s.Status().Observations)
	assert.Zero(t, s.Status().Points)
}

// ---------------------------------------------------------------------------
// mutations
// ---------------------------------------------------------------------------

func TestSolver_AddOrUpdateRelation_Rejects(t *testing.T) {
	s, _, _ := newTestSolver(t, testSolverConfig())

	err := s.AddOrUpdateRelation(Observation{Observer: "l1", Observed: "l1", Direction: Vec{X: 1}})
	assert.True(t, errors.Is(err, ErrSelfRelation))

	err = s.AddOrUpdateRelation(Observation{Observer: "l1", Observed: "target"})
	assert.True(t, errors.Is(err, ErrZeroBearing))

	assert.Empty(t, s.Relations())
	assert.Nil(t, s.Dataset(), "rejected observations must not rebuild")
}

func TestSolver_AddOrUpdateRelation_NormalizesBearing(t *testing.T) {
	s, _, _ := newTestSolver(t, testSolverConfig())
	require.NoError(t, s.AddOrUpdateRelation(Observation{Observer: "l1", Observed: "target", Direction: Vec{X: 3, Y: 3}}))

	got := s.Relations()
	require.Len(t, got, 1)
	assert.True(t, IsUnit(got[0].Direction, 1e-12))
}

func TestSolver_AddAllRelations_AllOrNothing(t *testing.T) {
	s, _, obs := newTestSolver(t, testSolverConfig())

	bad := append(append([]Observation(nil), obs...), Observation{Observer: "x", Observed: "x", Direction: Vec{X: 1}})
	err := s.AddAllRelations(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSelfRelation))
	assert.Contains(t, err.Error(), "observation 2")
	assert.Empty(t, s.Relations())
}

func TestSolver_UpdateReplacesBearing(t *testing.T) {
	s, _, obs := newTestSolver(t, testSolverConfig())
	require.NoError(t, s.AddAllRelations(obs))
	first := s.Dataset()

	updated := obs[0]
	updated.Direction = Vec{X: 1, Y: 2}
	require.NoError(t, s.AddOrUpdateRelation(updated))

	assert.Len(t, s.Relations(), 2)
	assert.NotEqual(t, first.ID, s.Dataset().ID, "an update rebuilds")
}

func TestSolver_RemoveRelation(t *testing.T) {
	s, _, obs := newTestSolver(t, testSolverConfig())
	require.NoError(t, s.AddAllRelations(obs))
	before := s.Dataset()

	removed, err := s.RemoveRelation("nobody", "target")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Same(t, before, s.Dataset(), "nothing removed, nothing rebuilt")

	removed, err = s.RemoveRelation("l1", "target")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NotSame(t, before, s.Dataset())
	assert.True(t, s.Dataset().Empty(), "one bearing left is not enough")
	assert.Len(t, s.Relations(), 1)
}

func TestSolver_RemovePointOfInterest(t *testing.T) {
	s, _, obs := newTestSolver(t, testSolverConfig())
	require.NoError(t, s.AddAllRelations(obs))
	before := s.Dataset()

	n, err := s.RemovePointOfInterest("l1")
	require.NoError(t, err)
	assert.Zero(t, n, "l1 is never observed")
	assert.Same(t, before, s.Dataset())

	n, err = s.RemovePointOfInterest("target")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, s.Relations())
	assert.True(t, s.Dataset().Empty())
}

func TestSolver_RemovePointOfInterestKeepsRestOfGraph(t *testing.T) {
	sc, obs := chainScene(t, true)
	target := Vec{X: 20, Z: 10}
	sc.PutEntity(Entity{ID: "t", Kind: KindPOI, Position: Zero})
	obs = append(obs,
		observe(t, "x0", "t", Zero, target),
		observe(t, "y", "t", Vec{Z: 20}, target),
	)

	s := NewSolver(testSolverConfig(), sc)
	require.NoError(t, s.AddAllRelations(obs))
	_, ok := s.Dataset().PointIndex("t")
	require.True(t, ok)
	require.Len(t, s.Dataset().Points, 7)

	n, err := s.RemovePointOfInterest("t")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ds := s.Dataset()
	require.False(t, ds.Empty(), "the chain still solves")
	_, ok = ds.PointIndex("t")
	assert.False(t, ok)
	assert.Len(t, ds.Points, 6)
	assert.Len(t, ds.Relations, 5)
	assert.Len(t, s.Relations(), 5)
}

func TestSolver_RemoveEntity(t *testing.T) {
	s, _, obs := newTestSolver(t, testSolverConfig())
	require.NoError(t, s.AddAllRelations(obs))

	n, err := s.RemoveEntity("l2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, s.Relations(), 1)
}

func TestSolver_RebuildPicksUpHostEdits(t *testing.T) {
	cfg := testSolverConfig()
	cfg.Jitter = 0
	s, sc, obs := newTestSolver(t, cfg)
	require.NoError(t, s.AddAllRelations(obs))

	require.NoError(t, sc.MoveEntity("target", Vec{X: 5, Y: 5}, false))
	require.NoError(t, s.Rebuild())

	ds := s.Dataset()
	i, ok := ds.PointIndex("target")
	require.True(t, ok)
	assert.Equal(t, Vec{X: 5, Y: 5}, ds.Points[i].Position())
	assert.InDelta(t, 0, s.MeanError(), 1e-12)
}

func TestSolver_ClearData(t *testing.T) {
	s, _, obs := newTestSolver(t, testSolverConfig())
	require.NoError(t, s.AddAllRelations(obs))
	s.SetRunning(true)

	s.ClearData()
	assert.Nil(t, s.Dataset())
	assert.Empty(t, s.Relations())
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 0.0, s.MeanError())
	assert.True(t, s.Running(), "clearing keeps the running flag")
}

// ---------------------------------------------------------------------------
// Tick
// ---------------------------------------------------------------------------

func TestSolver_Tick(t *testing.T) {
	s, sc, obs := newTestSolver(t, testSolverConfig())
	assert.Zero(t, s.Tick(), "no dataset")

	require.NoError(t, s.AddAllRelations(obs))
	_, err := s.Iterate(context.Background(), 100)
	require.NoError(t, err)

	assert.Zero(t, s.Tick(), "solving disabled")
	target, _ := sc.Entity("target")
	assert.Equal(t, Zero, target.Position)

	s.SetRunning(true)
	assert.Equal(t, 3, s.Tick())
	target, _ = sc.Entity("target")
	i, _ := s.Dataset().PointIndex("target")
	assert.Equal(t, s.Dataset().Points[i].Position(), target.Position)
}

func TestSolver_TickSkipsDeletedOwner(t *testing.T) {
	s, sc, obs := newTestSolver(t, testSolverConfig())
	require.NoError(t, s.AddAllRelations(obs))
	s.SetRunning(true)

	require.True(t, sc.DeleteEntity("target"))
	assert.Equal(t, 2, s.Tick())
	_, ok := sc.Entity("target")
	assert.False(t, ok, "write-back must not resurrect a deleted entity")
}

// ---------------------------------------------------------------------------
// Iterate
// ---------------------------------------------------------------------------

func TestSolver_IterateConverges(t *testing.T) {
	s, _, obs := newTestSolver(t, testSolverConfig())
	require.NoError(t, s.AddAllRelations(obs))
	start := s.MeanError()

	var samples []ErrorSample
	s.OnSample(func(e ErrorSample) { samples = append(samples, e) })

	n, err := s.Iterate(context.Background(), 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), n)
	assert.Equal(t, int64(5000), s.IterationNumber())
	assert.Less(t, s.MeanError(), start)
	assert.Less(t, s.MeanError(), 1e-4)

	require.NotEmpty(t, samples)
	last := samples[len(samples)-1]
	assert.Equal(t, int64(5000), last.Iteration)
	assert.Equal(t, s.Dataset().ID, last.DatasetID)
	assert.Equal(t, s.MeanError(), last.MeanError)
}

func TestSolver_IterateNoDataset(t *testing.T) {
	s, _, _ := newTestSolver(t, testSolverConfig())
	n, err := s.Iterate(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSolver_IterateRespectsMaxIterations(t *testing.T) {
	cfg := testSolverConfig()
	cfg.MaxIterations = 100
	s, _, obs := newTestSolver(t, cfg)
	require.NoError(t, s.AddAllRelations(obs))
	s.SetRunning(true)

	n, err := s.Iterate(context.Background(), 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)

	n, err = s.Iterate(context.Background(), 1000)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, StateIdle, s.State(), "a capped dataset is idle")

	// A rebuild starts counting again
	require.NoError(t, s.Rebuild())
	assert.Equal(t, StateIterating, s.State())
}

func TestSolver_ReenableAfterMaxIterationsResumes(t *testing.T) {
	cfg := testSolverConfig()
	cfg.MaxIterations = 100
	s, _, obs := newTestSolver(t, cfg)
	require.NoError(t, s.AddAllRelations(obs))
	s.SetRunning(true)

	n, err := s.Iterate(context.Background(), 1000)
	require.NoError(t, err)
	require.Equal(t, int64(100), n)
	require.Equal(t, StateIdle, s.State())

	ds := s.Dataset()
	positions := ds.Positions()

	s.SetRunning(false)
	s.SetRunning(true)
	assert.Equal(t, StateIterating, s.State(), "re-enabling a capped dataset resumes it")
	assert.Zero(t, s.IterationNumber())
	assert.Same(t, ds, s.Dataset(), "the dataset is kept")
	assert.Equal(t, positions, s.Dataset().Positions(), "solved positions are kept")

	n, err = s.Iterate(context.Background(), 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
}

func TestSolver_ReenableBelowMaxIterationsKeepsCount(t *testing.T) {
	cfg := testSolverConfig()
	cfg.MaxIterations = 100
	s, _, obs := newTestSolver(t, cfg)
	require.NoError(t, s.AddAllRelations(obs))
	s.SetRunning(true)

	_, err := s.Iterate(context.Background(), 40)
	require.NoError(t, err)
	s.SetRunning(false)
	s.SetRunning(true)
	assert.Equal(t, int64(40), s.IterationNumber())
}

func TestSolver_IterateCancelled(t *testing.T) {
	s, _, obs := newTestSolver(t, testSolverConfig())
	require.NoError(t, s.AddAllRelations(obs))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := s.Iterate(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}

func TestSolver_IterateRefusedWhileWorkerRuns(t *testing.T) {
	s, _, obs := newTestSolver(t, testSolverConfig())
	require.NoError(t, s.AddAllRelations(obs))
	s.Start(context.Background())
	defer closeSolver(t, s)

	_, err := s.Iterate(context.Background(), 10)
	assert.ErrorIs(t, err, ErrWorkerRunning)
}

func TestSolver_StartStopsInFlightIterate(t *testing.T) {
	cfg := testSolverConfig()
	cfg.MaxIterations = 0
	s, _, obs := newTestSolver(t, cfg)
	require.NoError(t, s.AddAllRelations(obs))
	defer closeSolver(t, s)

	const want = int64(1 << 40)
	type result struct {
		n   int64
		err error
	}
	res := make(chan result, 1)
	go func() {
		n, err := s.Iterate(context.Background(), want)
		res <- result{n, err}
	}()
	require.Eventually(t, func() bool { return s.IterationNumber() > 0 }, 2*time.Second, time.Millisecond)

	s.Start(context.Background())

	select {
	case r := <-res:
		assert.ErrorIs(t, r.err, ErrWorkerRunning)
		assert.Positive(t, r.n)
		assert.Less(t, r.n, want)
	case <-time.After(5 * time.Second):
		t.Fatal("Iterate kept running after Start")
	}
}

func TestSolver_AutoPause(t *testing.T) {
	cfg := testSolverConfig()
	cfg.AutoPause = true
	cfg.PlateauEpsilon = 1 // any improvement smaller than this counts as a plateau
	cfg.ErrorRefreshRate = 1e9
	s, _, obs := newTestSolver(t, cfg)
	require.NoError(t, s.AddAllRelations(obs))
	s.SetRunning(true)

	_, err := s.Iterate(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State(), "plateau pauses the dataset")
	assert.True(t, s.Running(), "plateau does not change the running flag")

	s.SetRunning(false)
	s.SetRunning(true)
	assert.Equal(t, StateIterating, s.State(), "re-enabling clears the plateau")
}

// ---------------------------------------------------------------------------
// worker
// ---------------------------------------------------------------------------

func TestSolver_WorkerIterates(t *testing.T) {
	s, sc, obs := newTestSolver(t, testSolverConfig())
	recorder := NewConvergenceRecorder(0)
	s.OnSample(recorder.Record)

	s.Start(context.Background())
	s.Start(context.Background()) // no-op
	defer closeSolver(t, s)

	require.NoError(t, s.AddAllRelations(obs))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, s.IterationNumber(), "worker must wait until solving is enabled")

	s.SetRunning(true)
	require.Eventually(t, func() bool { return s.IterationNumber() > 500 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.IterationsPerSecond() > 0 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, s.Tick())
	target, _ := sc.Entity("target")
	assert.NotEqual(t, Zero, target.Position)

	s.SetRunning(false)
	time.Sleep(50 * time.Millisecond)
	n1 := s.IterationNumber()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n1, s.IterationNumber(), "worker kept iterating while disabled")
	assert.Zero(t, s.IterationsPerSecond())

	samples := recorder.Samples()
	require.NotEmpty(t, samples)
	assert.Equal(t, s.Dataset().ID, samples[0].DatasetID)
}

func TestSolver_WorkerFollowsRebuilds(t *testing.T) {
	s, _, obs := newTestSolver(t, testSolverConfig())
	s.Start(context.Background())
	defer closeSolver(t, s)
	s.SetRunning(true)

	require.NoError(t, s.AddAllRelations(obs))
	first := s.Dataset()
	require.Eventually(t, func() bool { return first.Iteration() > 10 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Rebuild())
	second := s.Dataset()
	require.NotSame(t, first, second)
	require.Eventually(t, func() bool { return second.Iteration() > 10 }, 5*time.Second, 5*time.Millisecond)

	n := first.Iteration()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, first.Iteration(), "old dataset is no longer iterated")
}

func TestSolver_WorkerStopsWithContext(t *testing.T) {
	s, _, obs := newTestSolver(t, testSolverConfig())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	require.NoError(t, s.AddAllRelations(obs))
	s.SetRunning(true)
	require.Eventually(t, func() bool { return s.IterationNumber() > 0 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	closeSolver(t, s)
}

func TestSolver_ConcurrentUse(t *testing.T) {
	s, sc, obs := newTestSolver(t, testSolverConfig())
	s.Start(context.Background())
	defer closeSolver(t, s)
	s.SetRunning(true)
	require.NoError(t, s.AddAllRelations(obs))

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				switch i % 5 {
				case 0:
					_ = s.AddOrUpdateRelation(obs[i%2])
				case 1:
					_ = s.Status()
				case 2:
					s.Tick()
				case 3:
					_ = sc.Positions()
				case 4:
					_, _ = s.RemoveRelation(EntityID(fmt.Sprintf("ghost-%d", g)), "target")
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Len(t, s.Relations(), 2)
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func TestSolver_CloseWithoutStart(t *testing.T) {
	s, _, obs := newTestSolver(t, testSolverConfig())
	require.NoError(t, s.Close(context.Background()))

	assert.ErrorIs(t, s.AddAllRelations(obs), ErrSolverClosed)
	assert.ErrorIs(t, s.AddOrUpdateRelation(obs[0]), ErrSolverClosed)
	assert.ErrorIs(t, s.Rebuild(), ErrSolverClosed)
	_, err := s.RemoveRelation("l1", "target")
	assert.ErrorIs(t, err, ErrSolverClosed)
	_, err = s.RemovePointOfInterest("target")
	assert.ErrorIs(t, err, ErrSolverClosed)
	_, err = s.RemoveEntity("target")
	assert.ErrorIs(t, err, ErrSolverClosed)
}

func TestSolver_CloseIsIdempotent(t *testing.T) {
	s, _, _ := newTestSolver(t, testSolverConfig())
	s.Start(context.Background())
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	// Start after Close does nothing
	s.Start(context.Background())
	assert.Equal(t, StateIdle, s.State())
}

func TestSolver_CloseTimesOut(t *testing.T) {
	cfg := testSolverConfig()
	cfg.ShutdownTimeout = 20 * time.Millisecond
	s, _, _ := newTestSolver(t, cfg)

	// A worker that never exits
	s.cancel = func() {}
	s.done = make(chan struct{})

	start := time.Now()
	err := s.Close(context.Background())
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSolver_CloseHonoursContext(t *testing.T) {
	cfg := testSolverConfig()
	cfg.ShutdownTimeout = 0
	s, _, _ := newTestSolver(t, cfg)
	s.cancel = func() {}
	s.done = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Close(ctx)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())
}

package mesh

import "errors"

var (
	// ErrSelfRelation is returned for an observation whose observer and observed entity are the same
	ErrSelfRelation = errors.New("observer and observed entity must differ")

	// ErrZeroBearing is returned when a bearing has no usable direction
	ErrZeroBearing = errors.New("bearing must be a finite, non-zero vector")

	// ErrUnknownEntity is returned when an entity is not known to the scene
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrShutdownTimeout is returned when the solver worker does not stop in time
	ErrShutdownTimeout = errors.New("solver worker did not stop before the deadline")

	// ErrSolverClosed is returned by operations on a solver that has been closed
	ErrSolverClosed = errors.New("solver is closed")

	// ErrWorkerRunning is returned when synchronous iteration is requested while the worker owns the dataset
	ErrWorkerRunning = errors.New("solver worker is running")
)

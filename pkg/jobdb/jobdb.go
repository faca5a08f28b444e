// Package jobdb defines the narrow interface a worker uses to talk to
// the shared job database, plus a local/dev reference implementation.
//
// The job database's schema, persistence, and locking are explicitly
// out of scope for this runtime (spec §1): the contract below is the
// full surface a Worker or Node Controller is allowed to depend on.
// Production deployments are expected to implement Client against
// whatever job store backs the fleet; BoltClient exists so the binary
// runs standalone and so pkg/worker has something concrete to test
// against.
package jobdb

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/ccnode/pkg/types"
)

// Client is the full surface a Worker or Node Controller depends on.
// Allocation is assumed atomic on the server side: two workers racing
// AllocateJob never receive the same job id.
type Client interface {
	// AllocateJob claims up to maxJobs QUEUED jobs whose module is in
	// supported (or any module, if supported is nil), preferring a
	// job for the prefer handler when one is available.
	AllocateJob(ctx context.Context, req AllocateRequest) ([]*types.Job, error)

	// UpdateJob commits a job's terminal state plus its return value
	// and resource accounting. Called at most once per job.
	UpdateJob(ctx context.Context, id string, state types.JobState, update JobUpdate) error

	// GetJobState returns the job's current state, or (zero value,
	// false) if the job row no longer exists — interpreted by the
	// cancellation monitor as an implicit cancel.
	GetJobState(ctx context.Context, id string) (types.JobState, bool, error)

	// UpdateWorker records a heartbeat: the worker's supported module
	// set and the time of its last job, for fleet visibility.
	UpdateWorker(ctx context.Context, workerID string, supported []string, lastJobTime *time.Time) error

	// RemoveWorker deletes the worker's row on clean shutdown.
	RemoveWorker(ctx context.Context, workerID string) error

	// ForceStopped records that a worker stopped without an
	// in-flight job being handed back cleanly, so the DB's own
	// reconciliation can re-queue anything left ALLOCATED to it.
	ForceStopped(ctx context.Context, workerIndex int, node string) error
}

// AllocateRequest bundles allocate_job's parameters (spec §4.4.1).
type AllocateRequest struct {
	WorkerIndex int
	Node        string
	Supported   []string // nil/empty means "any"
	MaxJobs     int
	Type        types.WorkerType
	Prefer      string // preferred handler name, "" if none
}

// JobUpdate carries the fields update_job accepts beyond state.
type JobUpdate struct {
	RetVal any
	CPU    time.Duration
	Memory uint64 // peak RSS, bytes
}

// Error taxonomy from spec §7. DBTransient is not a sentinel value —
// any error a Client method returns that isn't one of the named
// sentinels below is treated as transient by the worker loop.
var (
	// ErrHandlerNotFound means the requested handler does not exist
	// on any configured search path.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrHandlerImportFailed means the handler was found but failed
	// to load (syntax error, panic in an init hook, bad plugin ABI).
	ErrHandlerImportFailed = errors.New("handler import failed")

	// ErrFilePrepareFailed means staging a job argument failed.
	ErrFilePrepareFailed = errors.New("file preparation failed")

	// ErrJobNotFound is returned by UpdateJob when the ID does not
	// exist in the job database. GetJobState reports a missing row
	// as found=false instead.
	ErrJobNotFound = errors.New("job not found")
)

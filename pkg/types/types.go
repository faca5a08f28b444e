package types

import "time"

// WorkerType distinguishes the normal job queue from the admin queue.
type WorkerType string

const (
	WorkerTypeNormal WorkerType = "normal"
	WorkerTypeAdmin  WorkerType = "admin"
)

// MaxJobs returns how many jobs a single allocate_job call may return
// for this worker type: 5 for admin workers, 1 for normal workers.
func (t WorkerType) MaxJobs() int {
	if t == WorkerTypeAdmin {
		return 5
	}
	return 1
}

// JobState is one of the terminal or transient states a job can hold
// in the job database. The worker only ever writes the terminal
// states plus progress updates; QUEUED -> ALLOCATED is the DB's own
// atomic transition.
type JobState string

const (
	JobStateQueued    JobState = "QUEUED"
	JobStateAllocated JobState = "ALLOCATED"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
	JobStateCancelled JobState = "CANCELLED"
)

// Terminal reports whether the state is one a worker commits exactly
// once per job.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// InputType classifies a handler's input lifecycle.
type InputType string

const (
	InputPermanent InputType = "permanent"
	InputTransient InputType = "transient"
)

// RunOnPolicy controls when post-processing or dependent steps fire
// relative to a job's outcome.
type RunOnPolicy string

const (
	RunOnAlways  RunOnPolicy = "always"
	RunOnSuccess RunOnPolicy = "success"
	RunOnError   RunOnPolicy = "error"
)

// HandlerDefaults holds the recognized option defaults a handler's
// metadata sidecar may declare.
type HandlerDefaults struct {
	Priority int         `yaml:"priority"`
	RunOn    RunOnPolicy `yaml:"runOn"`
}

// HandlerMetadata is the strictly-parsed descriptor every handler
// ships alongside its source, in a "<name>.meta.yaml" sidecar.
type HandlerMetadata struct {
	Description string            `yaml:"description"`
	Depends     []string          `yaml:"depends"`
	Provides    []string          `yaml:"provides"`
	InputType   InputType         `yaml:"input_type"`
	Inputs      map[string]string `yaml:"inputs"`
	Outputs     map[string]string `yaml:"outputs"`
	Defaults    HandlerDefaults   `yaml:"defaults"`
}

// PostDirective instructs the post-processor to relocate one named
// output of a job's result to a remote target after a successful run.
type PostDirective struct {
	Output   string `yaml:"output" json:"output"`
	Target   string `yaml:"target" json:"target"`
	Basename bool   `yaml:"basename" json:"basename"`
	Remove   bool   `yaml:"remove" json:"remove"`
}

// Job is the subset of a job-database row the worker consumes.
type Job struct {
	ID         string
	Module     string
	ModulePath string
	WorkDir    string
	Priority   int
	Args       map[string]any
	Post       []PostDirective
	LogLevel   string
}

// Affinity is the (handler name, source mtime) pair a worker caches
// to decide whether the next job can reuse the currently loaded
// handler without an unload/reload cycle.
type Affinity struct {
	Handler string
	ModTime time.Time
}

// Matches reports whether a job's requested handler is already loaded
// and unchanged on disk.
func (a Affinity) Matches(handler string, modTime time.Time) bool {
	return a.Handler == handler && a.ModTime.Equal(modTime)
}

// NodeResources captures the host-level totals the node controller
// publishes as telemetry. Values are snapshot-of-call; nothing here
// is persisted.
type NodeResources struct {
	CPUCount         int
	CPUCountPhysical int
	CPU              CPUPercent
	Memory           MemoryStats
	Disks            map[string]DiskStats
}

// CPUPercent mirrors the cpu.{user,nice,system,idle,iowait} telemetry
// keys, each already scaled by cpu-count as the spec requires.
type CPUPercent struct {
	User   float64
	Nice   float64
	System float64
	Idle   float64
	IOWait float64
}

// MemoryStats mirrors the memory.{total,available,active} keys.
type MemoryStats struct {
	Total     uint64
	Available uint64
	Active    uint64
}

// DiskStats mirrors the per-mount <mount>.{total,used,free,percent}
// keys.
type DiskStats struct {
	Total   uint64
	Used    uint64
	Free    uint64
	Percent float64
}

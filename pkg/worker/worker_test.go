package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/ccnode/pkg/fileprep"
	"github.com/cuemby/ccnode/pkg/handler"
	"github.com/cuemby/ccnode/pkg/jobdb"
	"github.com/cuemby/ccnode/pkg/types"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDB is an in-memory jobdb.Client: jobs are handed out from a
// queue, one AllocateJob call at a time, and every terminal commit is
// recorded for assertions.
type fakeDB struct {
	mu sync.Mutex

	queue   []*types.Job
	states  map[string]types.JobState
	commits []commit

	workerUpdates int
	removed       bool
}

type commit struct {
	jobID  string
	state  types.JobState
	update jobdb.JobUpdate
}

func newFakeDB(jobs ...*types.Job) *fakeDB {
	states := make(map[string]types.JobState, len(jobs))
	for _, j := range jobs {
		states[j.ID] = types.JobStateQueued
	}
	return &fakeDB{queue: jobs, states: states}
}

func (f *fakeDB) AllocateJob(ctx context.Context, req jobdb.AllocateRequest) ([]*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	job := f.queue[0]
	f.queue = f.queue[1:]
	f.states[job.ID] = types.JobStateAllocated
	return []*types.Job{job}, nil
}

func (f *fakeDB) UpdateJob(ctx context.Context, id string, state types.JobState, update jobdb.JobUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = state
	f.commits = append(f.commits, commit{jobID: id, state: state, update: update})
	return nil
}

func (f *fakeDB) GetJobState(ctx context.Context, id string) (types.JobState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[id]
	return s, ok, nil
}

func (f *fakeDB) UpdateWorker(ctx context.Context, workerID string, supported []string, lastJobTime *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workerUpdates++
	return nil
}

func (f *fakeDB) RemoveWorker(ctx context.Context, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	return nil
}

func (f *fakeDB) ForceStopped(ctx context.Context, workerIndex int, node string) error { return nil }

func (f *fakeDB) commitsFor(id string) []commit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []commit
	for _, c := range f.commits {
		if c.jobID == id {
			out = append(out, c)
		}
	}
	return out
}

var _ jobdb.Client = (*fakeDB)(nil)

func newPreparer() *fileprep.Preparer {
	return fileprep.NewWithFs(afero.NewMemMapFs(), "/data", "/tmp")
}

// okHandler always reports 100% complete with a fixed result.
type okHandler struct{ calls int }

func (h *okHandler) CanRun() bool { return true }
func (h *okHandler) ProcessTask(ctx context.Context, w handler.WorkerHandle, job *types.Job, cancel <-chan struct{}) (int, any, error) {
	h.calls++
	w.SetProgress(100)
	return 100, map[string]any{"ok": true}, nil
}

// trackingHandler records Load/Unload invocations for affinity tests.
type trackingHandler struct {
	loads, unloads int
}

func (h *trackingHandler) CanRun() bool { return true }
func (h *trackingHandler) Load() error  { h.loads++; return nil }
func (h *trackingHandler) Unload() error {
	h.unloads++
	return nil
}
func (h *trackingHandler) ProcessTask(ctx context.Context, w handler.WorkerHandle, job *types.Job, cancel <-chan struct{}) (int, any, error) {
	return 100, nil, nil
}

// blockingHandler runs until told to stop via a channel or cancelled,
// for cancellation-precedence tests.
type blockingHandler struct {
	release chan struct{}
}

func (h *blockingHandler) CanRun() bool      { return true }
func (h *blockingHandler) Cancellable() bool { return true }
func (h *blockingHandler) ProcessTask(ctx context.Context, w handler.WorkerHandle, job *types.Job, cancel <-chan struct{}) (int, any, error) {
	select {
	case <-cancel:
		return 50, "stopped early", nil
	case <-h.release:
		return 100, map[string]any{"finished": true}, nil
	}
}

func TestWorker_HappyPath(t *testing.T) {
	name := "worker-test-ok-" + t.Name()
	handler.Register(name, func() handler.Handler { return &okHandler{} })

	job := &types.Job{ID: "job-1", Module: name, Args: map[string]any{}}
	db := newFakeDB(job)

	w := New(Config{Type: types.WorkerTypeNormal, Index: 0, NodeName: "n1", Supported: []string{name}}, db, newPreparer())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Stop once the job has committed.
		for {
			if len(db.commitsFor("job-1")) > 0 {
				w.Stop()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	defer cancel()

	require.NoError(t, w.Run(ctx))

	commits := db.commitsFor("job-1")
	require.Len(t, commits, 1)
	assert.Equal(t, types.JobStateCompleted, commits[0].state)
	assert.True(t, db.removed)
}

func TestWorker_HandlerAffinityAcrossJobs(t *testing.T) {
	name := "worker-test-affinity-" + t.Name()
	th := &trackingHandler{}
	handler.Register(name, func() handler.Handler { return th })

	job1 := &types.Job{ID: "job-1", Module: name, Args: map[string]any{}}
	job2 := &types.Job{ID: "job-2", Module: name, Args: map[string]any{}}
	db := newFakeDB(job1, job2)

	w := New(Config{Type: types.WorkerTypeNormal, Index: 0, NodeName: "n1", Supported: []string{name}}, db, newPreparer())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			if len(db.commitsFor("job-2")) > 0 {
				w.Stop()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	defer cancel()

	require.NoError(t, w.Run(ctx))

	assert.Equal(t, 1, th.loads, "handler should load once across both jobs sharing the same module")
	assert.Equal(t, 1, th.unloads, "handler unloads exactly once, on clean shutdown")
}

func TestWorker_ModuleSwitchUnloadsPrevious(t *testing.T) {
	nameA := "worker-test-switch-a-" + t.Name()
	nameB := "worker-test-switch-b-" + t.Name()
	a := &trackingHandler{}
	b := &trackingHandler{}
	handler.Register(nameA, func() handler.Handler { return a })
	handler.Register(nameB, func() handler.Handler { return b })

	job1 := &types.Job{ID: "job-1", Module: nameA, Args: map[string]any{}}
	job2 := &types.Job{ID: "job-2", Module: nameB, Args: map[string]any{}}
	db := newFakeDB(job1, job2)

	w := New(Config{Type: types.WorkerTypeNormal, Index: 0, NodeName: "n1", Supported: []string{nameA, nameB}}, db, newPreparer())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			if len(db.commitsFor("job-2")) > 0 {
				w.Stop()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	defer cancel()

	require.NoError(t, w.Run(ctx))

	assert.Equal(t, 1, a.loads)
	assert.Equal(t, 1, a.unloads, "switching away from A must unload it")
	assert.Equal(t, 1, b.loads)
}

func TestWorker_CancellationPrecedesProgress(t *testing.T) {
	name := "worker-test-cancel-" + t.Name()
	bh := &blockingHandler{release: make(chan struct{})}
	handler.Register(name, func() handler.Handler { return bh })

	job := &types.Job{ID: "job-1", Module: name, Args: map[string]any{}}
	db := newFakeDB(job)

	w := New(Config{Type: types.WorkerTypeNormal, Index: 0, NodeName: "n1", Supported: []string{name}}, db, newPreparer())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			if _, ok, _ := db.GetJobState(ctx, "job-1"); ok {
				if s, _, _ := db.GetJobState(ctx, "job-1"); s == types.JobStateAllocated {
					db.UpdateJob(ctx, "job-1", types.JobStateCancelled, jobdb.JobUpdate{})
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	go func() {
		for {
			if len(db.commitsFor("job-1")) > 1 {
				w.Stop()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	require.NoError(t, w.Run(ctx))

	commits := db.commitsFor("job-1")
	require.NotEmpty(t, commits)
	final := commits[len(commits)-1]
	assert.Equal(t, types.JobStateCancelled, final.state, "cancellation must win over the handler's own return value")
}

func TestWorker_StagesArgsBeforeRunning(t *testing.T) {
	name := "worker-test-staging-" + t.Name()
	var seenArg any
	capturing := &capturingHandler{seen: &seenArg}
	handler.Register(name, func() handler.Handler { return capturing })

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/input.txt", []byte("payload"), 0o644))
	prep := fileprep.NewWithFs(fs, "/data", "/tmp")

	job := &types.Job{
		ID:     "job-1",
		Module: name,
		Args:   map[string]any{"input": "copy file:///src/input.txt"},
	}
	db := newFakeDB(job)

	w := New(Config{Type: types.WorkerTypeNormal, Index: 0, NodeName: "n1", Supported: []string{name}}, db, prep)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			if len(db.commitsFor("job-1")) > 0 {
				w.Stop()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	defer cancel()

	require.NoError(t, w.Run(ctx))

	staged, ok := seenArg.(string)
	require.True(t, ok, "staged arg should collapse to a single path string")
	assert.Equal(t, "/data/input.txt", staged)
}

type capturingHandler struct{ seen *any }

func (h *capturingHandler) CanRun() bool { return true }
func (h *capturingHandler) ProcessTask(ctx context.Context, w handler.WorkerHandle, job *types.Job, cancel <-chan struct{}) (int, any, error) {
	*h.seen = job.Args["input"]
	return 100, map[string]any{}, nil
}

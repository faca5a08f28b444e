package jobdb

import (
	"context"
	"testing"

	"github.com/cuemby/ccnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *BoltClient {
	t.Helper()
	dir := t.TempDir()
	c, err := NewBoltClient(dir)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBoltClient_SubmitAndAllocate(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.Submit(&types.Job{Module: "echo", Args: map[string]any{}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	jobs, err := c.AllocateJob(ctx, AllocateRequest{WorkerIndex: 0, Node: "n1", Type: types.WorkerTypeNormal, MaxJobs: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)

	// A second allocation finds nothing left QUEUED.
	jobs, err = c.AllocateJob(ctx, AllocateRequest{WorkerIndex: 0, Node: "n1", Type: types.WorkerTypeNormal, MaxJobs: 1})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestBoltClient_AllocateRespectsSupportedFilter(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Submit(&types.Job{Module: "unsupported-module", Args: map[string]any{}})
	require.NoError(t, err)

	jobs, err := c.AllocateJob(ctx, AllocateRequest{WorkerIndex: 0, Node: "n1", Type: types.WorkerTypeNormal, MaxJobs: 1, Supported: []string{"echo"}})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestBoltClient_AllocatePrefersHigherPriority(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Submit(&types.Job{Module: "low", Priority: 0, Args: map[string]any{}})
	require.NoError(t, err)
	highID, err := c.Submit(&types.Job{Module: "high", Priority: 10, Args: map[string]any{}})
	require.NoError(t, err)

	jobs, err := c.AllocateJob(ctx, AllocateRequest{WorkerIndex: 0, Node: "n1", Type: types.WorkerTypeNormal, MaxJobs: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, highID, jobs[0].ID)
}

func TestBoltClient_UpdateJobThenGetJobState(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.Submit(&types.Job{Module: "echo", Args: map[string]any{}})
	require.NoError(t, err)
	_, err = c.AllocateJob(ctx, AllocateRequest{WorkerIndex: 0, Node: "n1", Type: types.WorkerTypeNormal, MaxJobs: 1})
	require.NoError(t, err)

	require.NoError(t, c.UpdateJob(ctx, id, types.JobStateCompleted, JobUpdate{RetVal: map[string]any{"ok": true}}))

	state, found, err := c.GetJobState(ctx, id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, types.JobStateCompleted, state)
}

func TestBoltClient_GetJobStateMissingRowReportsNotFound(t *testing.T) {
	c := newTestClient(t)
	_, found, err := c.GetJobState(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBoltClient_WorkerHeartbeatAndRemoval(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.UpdateWorker(ctx, "normal-n1_0", []string{"echo"}, nil))
	require.NoError(t, c.RemoveWorker(ctx, "normal-n1_0"))
}

func TestBoltClient_ForceStoppedRequeuesAllocatedJobs(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.Submit(&types.Job{Module: "echo", Args: map[string]any{}})
	require.NoError(t, err)
	_, err = c.AllocateJob(ctx, AllocateRequest{WorkerIndex: 0, Node: "n1", Type: types.WorkerTypeNormal, MaxJobs: 1})
	require.NoError(t, err)

	require.NoError(t, c.ForceStopped(ctx, 0, "n1"))

	jobs, err := c.AllocateJob(ctx, AllocateRequest{WorkerIndex: 1, Node: "n1", Type: types.WorkerTypeNormal, MaxJobs: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
}

package handler

import (
	"context"
	"testing"

	"github.com/cuemby/ccnode/pkg/jobdb"
	"github.com/cuemby/ccnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHandler struct {
	loaded, unloaded bool
	canRun           bool
}

func (h *testHandler) CanRun() bool { return h.canRun }
func (h *testHandler) Load() error  { h.loaded = true; return nil }
func (h *testHandler) Unload() error {
	h.unloaded = true
	return nil
}
func (h *testHandler) ProcessTask(ctx context.Context, w WorkerHandle, job *types.Job, cancel <-chan struct{}) (int, any, error) {
	return 100, nil, nil
}

func TestLoad_StaticHandlerUsesBuiltinSourcePath(t *testing.T) {
	name := "handler-test-static-" + t.Name()
	th := &testHandler{canRun: true}
	Register(name, func() Handler { return th })

	h, err := Load(name, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "builtin://"+name, h.SourcePath)
	assert.True(t, h.CanRun())
}

func TestLoad_UnknownHandlerReturnsNotFound(t *testing.T) {
	_, err := Load("handler-test-does-not-exist", "", nil)
	assert.ErrorIs(t, err, jobdb.ErrHandlerNotFound)
}

func TestRegister_PanicsOnDuplicate(t *testing.T) {
	name := "handler-test-dup-" + t.Name()
	Register(name, func() Handler { return &testHandler{canRun: true} })
	assert.Panics(t, func() {
		Register(name, func() Handler { return &testHandler{canRun: true} })
	})
}

func TestHandle_InvokeLoadAndUnload(t *testing.T) {
	name := "handler-test-hooks-" + t.Name()
	th := &testHandler{canRun: true}
	Register(name, func() Handler { return th })

	h, err := Load(name, "", nil)
	require.NoError(t, err)

	h.InvokeLoad(func(string) {})
	assert.True(t, th.loaded)

	h.InvokeUnload()
	assert.True(t, th.unloaded)
}

func TestHandle_CanRunDefaultsTrueWithoutCapability(t *testing.T) {
	name := "handler-test-nocanrun-" + t.Name()
	Register(name, func() Handler { return minimalHandler{} })

	h, err := Load(name, "", nil)
	require.NoError(t, err)
	assert.True(t, h.CanRun())
}

type minimalHandler struct{}

func (minimalHandler) ProcessTask(ctx context.Context, w WorkerHandle, job *types.Job, cancel <-chan struct{}) (int, any, error) {
	return 100, nil, nil
}

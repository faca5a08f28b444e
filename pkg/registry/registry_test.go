package registry

import (
	"context"
	"testing"

	"github.com/cuemby/ccnode/pkg/handler"
	"github.com/cuemby/ccnode/pkg/types"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSidecar(t *testing.T, fs afero.Fs, dir, name, body string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(dir, 0o755))
	require.NoError(t, afero.WriteFile(fs, dir+"/"+name+".meta.yaml", []byte(body), 0o644))
}

const validMeta = `
description: a test handler
input_type: transient
defaults:
  priority: 0
  runOn: always
`

func TestDiscover_FindsRegisteredHandlerWithSidecar(t *testing.T) {
	name := "registry-test-echo-" + t.Name()
	handler.Register(name, func() handler.Handler { return staticOK{} })

	fs := afero.NewMemMapFs()
	writeSidecar(t, fs, "/modules", name, validMeta)

	reg := NewWithFs(fs)
	found := reg.Discover([]string{"/modules"}, nil)

	assert.Contains(t, found, name)
}

func TestDiscover_SkipsSidecarWithoutBackingHandler(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSidecar(t, fs, "/modules", "nonexistent-handler", validMeta)

	reg := NewWithFs(fs)
	found := reg.Discover([]string{"/modules"}, nil)

	assert.NotContains(t, found, "nonexistent-handler")
}

func TestDiscover_FilterExcludesUnlistedHandlers(t *testing.T) {
	name := "registry-test-filtered-" + t.Name()
	handler.Register(name, func() handler.Handler { return staticOK{} })

	fs := afero.NewMemMapFs()
	writeSidecar(t, fs, "/modules", name, validMeta)

	reg := NewWithFs(fs)
	found := reg.Discover([]string{"/modules"}, map[string]struct{}{"something-else": {}})

	assert.NotContains(t, found, name)
}

func TestDiscover_MalformedSidecarSkipped(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSidecar(t, fs, "/modules", "bad", "not: [valid: yaml")

	reg := NewWithFs(fs)
	found := reg.Discover([]string{"/modules"}, nil)

	assert.Empty(t, found)
}

func TestDiscover_NonexistentDirSkippedWithoutError(t *testing.T) {
	fs := afero.NewMemMapFs()
	reg := NewWithFs(fs)

	assert.NotPanics(t, func() {
		found := reg.Discover([]string{"/does/not/exist"}, nil)
		assert.Empty(t, found)
	})
}

func TestDiscover_IsPureAcrossRepeatedCalls(t *testing.T) {
	name := "registry-test-pure-" + t.Name()
	handler.Register(name, func() handler.Handler { return staticOK{} })

	fs := afero.NewMemMapFs()
	writeSidecar(t, fs, "/modules", name, validMeta)

	reg := NewWithFs(fs)
	first := reg.Discover([]string{"/modules"}, nil)
	second := reg.Discover([]string{"/modules"}, nil)

	assert.Equal(t, first, second)
}

type staticOK struct{}

func (staticOK) CanRun() bool { return true }
func (staticOK) ProcessTask(ctx context.Context, w handler.WorkerHandle, job *types.Job, cancel <-chan struct{}) (int, any, error) {
	return 100, nil, nil
}

package postprocess

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/ccnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	s3Calls  []string
	scpCalls []string
	failS3   bool
}

func (f *fakeWriter) WriteS3(endpoint, bucket, local, remote string) error {
	if f.failS3 {
		return fmt.Errorf("boom")
	}
	f.s3Calls = append(f.s3Calls, fmt.Sprintf("%s|%s|%s|%s", endpoint, bucket, local, remote))
	return nil
}

func (f *fakeWriter) WriteSCP(local, host, path string) error {
	f.scpCalls = append(f.scpCalls, fmt.Sprintf("%s|%s|%s", local, host, path))
	return nil
}

func TestApply_S3UploadOnce(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "r.bin")
	require.NoError(t, os.WriteFile(local, []byte("data"), 0o644))

	w := &fakeWriter{}
	directives := []types.PostDirective{{Output: "out", Target: "s3://bkt/results/", Basename: true, Remove: true}}
	result := map[string]any{"out": local}

	got := Apply(w, directives, result)

	assert.Equal(t, "s3://bkt/results/r.bin", got["out"])
	require.Len(t, w.s3Calls, 1)
	assert.Equal(t, fmt.Sprintf("|bkt|%s|results/r.bin", local), w.s3Calls[0])

	_, err := os.Stat(local)
	assert.True(t, os.IsNotExist(err), "local file should have been removed")
}

func TestApply_SCPTarget(t *testing.T) {
	w := &fakeWriter{}
	directives := []types.PostDirective{{Output: "out", Target: "ssh://user@host/remote/"}}
	result := map[string]any{"out": "/tmp/file.txt"}

	got := Apply(w, directives, result)

	assert.Equal(t, "ssh://user@host/remote//tmp/file.txt", got["out"])
	require.Len(t, w.scpCalls, 1)
}

func TestApply_ListOutput(t *testing.T) {
	w := &fakeWriter{}
	directives := []types.PostDirective{{Output: "files", Target: "s3://bkt/"}}
	result := map[string]any{"files": []any{"/tmp/a.txt", "/tmp/b.txt"}}

	got := Apply(w, directives, result)

	list := got["files"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, "s3://bkt//tmp/a.txt", list[0])
	assert.Equal(t, "s3://bkt//tmp/b.txt", list[1])
	assert.Len(t, w.s3Calls, 2)
}

func TestApply_MissingOutputIsSkippedNotFatal(t *testing.T) {
	w := &fakeWriter{}
	directives := []types.PostDirective{{Output: "missing", Target: "s3://bkt/"}}
	result := map[string]any{"out": "value"}

	got := Apply(w, directives, result)

	assert.Equal(t, "value", got["out"])
	assert.Empty(t, w.s3Calls)
}

func TestApply_UnsupportedSchemeLeavesValueUntouched(t *testing.T) {
	w := &fakeWriter{}
	directives := []types.PostDirective{{Output: "out", Target: "ftp://host/path/"}}
	result := map[string]any{"out": "file.txt"}

	got := Apply(w, directives, result)

	assert.Equal(t, "file.txt", got["out"])
}

func TestApply_UploadFailureKeepsOriginalValue(t *testing.T) {
	w := &fakeWriter{failS3: true}
	directives := []types.PostDirective{{Output: "out", Target: "s3://bkt/"}}
	result := map[string]any{"out": "file.txt"}

	got := Apply(w, directives, result)

	assert.Equal(t, "file.txt", got["out"])
}

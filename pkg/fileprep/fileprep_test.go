package fileprep

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStagable(t *testing.T) {
	cases := []struct {
		ref  string
		want bool
	}{
		{"copy file:///tmp/a.txt", true},
		{"unzip s3://bucket/archive.zip", true},
		{"mkdir s3://bucket/prefix", true},
		{"plain string with no scheme", false},
		{"nonsense_verb file:///tmp/a.txt", false},
		{"", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Stagable(c.ref), "ref=%q", c.ref)
	}
}

func TestFix_CopyLocalFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/input.txt", []byte("hello"), 0o644))

	p := NewWithFs(fs, "/data", "/tmp")
	result, err := p.Fix(context.Background(), []string{"copy file:///src/input.txt"})
	require.NoError(t, err)
	require.Len(t, result.FileList, 1)

	got, err := afero.ReadFile(fs, result.FileList[0])
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestFix_Mkdir(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := NewWithFs(fs, "/data", "/tmp")

	result, err := p.Fix(context.Background(), []string{"mkdir s3://bucket/deep/path"})
	require.NoError(t, err)
	require.Len(t, result.FileList, 1)

	exists, err := afero.DirExists(fs, result.FileList[0])
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFix_UnzipProducesMultipleFiles(t *testing.T) {
	fs := afero.NewMemMapFs()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"a.txt", "b.txt"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("contents of " + name))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, afero.WriteFile(fs, "/src/bundle.zip", buf.Bytes(), 0o644))

	p := NewWithFs(fs, "/data", "/tmp")
	result, err := p.Fix(context.Background(), []string{"unzip file:///src/bundle.zip"})
	require.NoError(t, err)
	assert.Len(t, result.FileList, 2)
}

func TestFix_MultipleRefsConcatenate(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("a"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/b.txt", []byte("b"), 0o644))

	p := NewWithFs(fs, "/data", "/tmp")
	result, err := p.Fix(context.Background(), []string{
		"copy file:///src/a.txt",
		"copy file:///src/b.txt",
	})
	require.NoError(t, err)
	assert.Len(t, result.FileList, 2)
}

func TestFix_MalformedRefFailsWholeBatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("a"), 0o644))

	p := NewWithFs(fs, "/data", "/tmp")
	_, err := p.Fix(context.Background(), []string{
		"copy file:///src/a.txt",
		"unknownverb file:///src/b.txt",
	})
	assert.Error(t, err)
}

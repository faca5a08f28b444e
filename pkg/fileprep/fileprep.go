// Package fileprep implements the File Preparer (component C3):
// translating URI-bearing job arguments into local paths, and writing
// job outputs back out to a remote target.
package fileprep

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/ccnode/pkg/jobdb"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Verb is one of the three staging operations a ref string may name.
type Verb string

const (
	VerbCopy  Verb = "copy"
	VerbUnzip Verb = "unzip"
	VerbMkdir Verb = "mkdir"
)

// Stagable reports whether s is a stagable reference per the §3
// convention: it contains "://" and its space-split tokens include
// one of copy/unzip/mkdir.
func Stagable(s string) bool {
	if !strings.Contains(s, "://") {
		return false
	}
	for _, tok := range strings.Fields(s) {
		switch Verb(tok) {
		case VerbCopy, VerbUnzip, VerbMkdir:
			return true
		}
	}
	return false
}

// Result is what Fix returns: the local path(s) each input ref
// resolved to, in order (copy/mkdir produce exactly one; unzip may
// produce several).
type Result struct {
	FileList []string
}

// Preparer implements Fix against a configured data directory (where
// staged files land) and temp directory (scratch space for unzip).
type Preparer struct {
	fs      afero.Fs
	dataDir string
	tempDir string
}

// New returns a Preparer backed by the real filesystem.
func New(dataDir, tempDir string) *Preparer {
	return &Preparer{fs: afero.NewOsFs(), dataDir: dataDir, tempDir: tempDir}
}

// NewWithFs returns a Preparer backed by an arbitrary afero.Fs, for
// tests.
func NewWithFs(fs afero.Fs, dataDir, tempDir string) *Preparer {
	return &Preparer{fs: fs, dataDir: dataDir, tempDir: tempDir}
}

// Fix stages every ref and returns the concatenation of their local
// paths. Any failure aborts the whole batch per spec §4.3 ("no
// partial retries at this layer").
func (p *Preparer) Fix(ctx context.Context, refs []string) (Result, error) {
	var out Result
	for _, ref := range refs {
		paths, err := p.fixOne(ctx, ref)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %s: %v", jobdb.ErrFilePrepareFailed, ref, err)
		}
		out.FileList = append(out.FileList, paths...)
	}
	return out, nil
}

func (p *Preparer) fixOne(ctx context.Context, ref string) ([]string, error) {
	verb, remote, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	switch verb {
	case VerbMkdir:
		path, err := p.ensureDir(remote)
		if err != nil {
			return nil, err
		}
		return []string{path}, nil

	case VerbCopy:
		local, err := p.fetch(ctx, remote, p.localName(remote))
		if err != nil {
			return nil, err
		}
		return []string{local}, nil

	case VerbUnzip:
		archive, err := p.fetch(ctx, remote, filepath.Join(p.tempDir, uuid.NewString()+".zip"))
		if err != nil {
			return nil, err
		}
		return p.expand(archive)

	default:
		return nil, fmt.Errorf("unsupported verb %q", verb)
	}
}

// parseRef splits "<verb> <scheme>://...[ <opts>]" into its verb and
// the remote URI. Trailing options, if any, are dropped: no verb here
// reads anything beyond the URI itself.
func parseRef(ref string) (Verb, string, error) {
	fields := strings.Fields(ref)
	if len(fields) < 2 {
		return "", "", fmt.Errorf("malformed ref %q", ref)
	}
	verb := Verb(fields[0])
	switch verb {
	case VerbCopy, VerbUnzip, VerbMkdir:
	default:
		return "", "", fmt.Errorf("unknown verb %q", fields[0])
	}
	return verb, fields[1], nil
}

func (p *Preparer) localName(remote string) string {
	u, err := url.Parse(remote)
	base := filepath.Base(remote)
	if err == nil && u.Path != "" {
		base = filepath.Base(u.Path)
	}
	return filepath.Join(p.dataDir, base)
}

func (p *Preparer) ensureDir(remote string) (string, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return "", err
	}
	path := filepath.Join(p.dataDir, u.Host, u.Path)
	if err := p.fs.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// fetch downloads remote to localPath, dispatching on scheme.
func (p *Preparer) fetch(ctx context.Context, remote, localPath string) (string, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return "", err
	}

	if err := p.fs.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", err
	}

	switch u.Scheme {
	case "s3":
		bucket := u.Host
		key := strings.TrimPrefix(u.Path, "/")
		return localPath, p.downloadS3(ctx, bucket, key, localPath)
	case "ssh", "scp":
		return localPath, p.downloadSCP(ctx, u, localPath)
	case "http", "https":
		return localPath, p.downloadHTTP(ctx, remote, localPath)
	case "file", "":
		src := u.Path
		if src == "" {
			src = remote
		}
		return localPath, p.copyLocal(src, localPath)
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

func (p *Preparer) copyLocal(src, dst string) error {
	in, err := p.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := p.fs.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func (p *Preparer) downloadHTTP(ctx context.Context, remote, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s fetching %s", resp.Status, remote)
	}
	out, err := p.fs.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

// expand unzips archive into a fresh directory under tempDir and
// returns the list of files it produced, which may be more than one.
func (p *Preparer) expand(archivePath string) ([]string, error) {
	f, err := p.fs.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	// archive/zip needs io.ReaderAt; read into memory for archives
	// staged through an afero virtual filesystem, where the backing
	// file might not support ReadAt directly.
	data := make([]byte, info.Size())
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(readerAt{data}, info.Size())
	if err != nil {
		return nil, err
	}

	destDir := filepath.Join(p.tempDir, uuid.NewString())
	if err := p.fs.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}

	var out []string
	for _, zf := range zr.File {
		dest := filepath.Join(destDir, filepath.Clean(zf.Name))
		if !strings.HasPrefix(dest, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return nil, fmt.Errorf("zip entry %q escapes destination directory", zf.Name)
		}
		if zf.FileInfo().IsDir() {
			if err := p.fs.MkdirAll(dest, 0o755); err != nil {
				return nil, err
			}
			continue
		}
		if err := p.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, err
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, err
		}
		outFile, err := p.fs.Create(dest)
		if err != nil {
			rc.Close()
			return nil, err
		}
		_, copyErr := io.Copy(outFile, rc)
		rc.Close()
		outFile.Close()
		if copyErr != nil {
			return nil, copyErr
		}
		out = append(out, dest)
	}
	return out, nil
}

type readerAt struct{ b []byte }

func (r readerAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.b)) {
		return 0, io.EOF
	}
	n := copy(p, r.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

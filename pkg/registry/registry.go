// Package registry implements the handler registry (component C1):
// scanning search-path directories for handler metadata sidecars,
// deciding which describe a runnable handler on this node.
package registry

import (
	"path/filepath"
	"strings"

	"github.com/cuemby/ccnode/pkg/handler"
	"github.com/cuemby/ccnode/pkg/log"
	"github.com/cuemby/ccnode/pkg/types"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const metaSuffix = ".meta.yaml"

// Registry discovers runnable handlers on a filesystem. The zero
// value is not usable; construct with New.
type Registry struct {
	fs afero.Fs
}

type zerologAdapter struct{ component string }

func (z zerologAdapter) Debugf(format string, args ...any) {
	log.WithComponent(z.component).Debug().Msgf(format, args...)
}

// New returns a Registry backed by the real OS filesystem.
func New() *Registry {
	return &Registry{fs: afero.NewOsFs()}
}

// NewWithFs returns a Registry backed by an arbitrary afero.Fs, for
// tests that want an in-memory filesystem.
func NewWithFs(fs afero.Fs) *Registry {
	return &Registry{fs: fs}
}

func (r *Registry) debug(format string, args ...any) {
	zerologAdapter{component: "registry"}.Debugf(format, args...)
}

// Discover walks paths (deduplicated by canonical form), decodes every
// "*.meta.yaml" sidecar it finds, and for each that parses attempts to
// load the corresponding handler and, if it declares CanRun, requires
// it to return true. If filter is non-empty, only handlers named in
// filter survive. The result is a pure function of the filesystem at
// call time; Discover does not mutate global state.
func (r *Registry) Discover(paths []string, filter map[string]struct{}) []string {
	var names []string
	for _, dir := range dedupPaths(paths) {
		exists, err := afero.DirExists(r.fs, dir)
		if err != nil || !exists {
			continue
		}
		entries, err := afero.ReadDir(r.fs, dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
				continue
			}
			name := strings.TrimSuffix(entry.Name(), metaSuffix)
			sidecar := filepath.Join(dir, entry.Name())

			meta, err := r.decodeMeta(sidecar)
			if err != nil {
				r.debug("%s is not a handler: %v", sidecar, err)
				continue
			}
			_ = meta // metadata itself is consulted by callers that need it; discovery only needs pass/fail

			h, err := handler.Load(name, dir, nil)
			if err != nil {
				r.debug("failed to load candidate handler %s: %v", name, err)
				continue
			}
			if !h.CanRun() {
				r.debug("handler %s loaded but can't run", name)
				continue
			}
			if filter != nil {
				if _, ok := filter[name]; !ok {
					continue
				}
			}
			names = append(names, name)
		}
	}
	return names
}

// Metadata decodes and returns a single handler's sidecar without
// attempting to load the handler itself.
func (r *Registry) Metadata(dir, name string) (*types.HandlerMetadata, error) {
	return r.decodeMeta(filepath.Join(dir, name+metaSuffix))
}

func (r *Registry) decodeMeta(path string) (*types.HandlerMetadata, error) {
	f, err := r.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var meta types.HandlerMetadata
	if err := dec.Decode(&meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func dedupPaths(paths []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		canon, err := filepath.Abs(p)
		if err != nil {
			canon = p
		}
		if _, ok := seen[canon]; ok {
			continue
		}
		seen[canon] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Package handler defines the handler ABI (component C8) and the
// loader that resolves a named handler to a runnable Handle
// (component C2).
package handler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sync"
	"time"

	"github.com/cuemby/ccnode/pkg/jobdb"
	"github.com/cuemby/ccnode/pkg/log"
	"github.com/cuemby/ccnode/pkg/types"
)

// WorkerHandle is the subset of worker state a handler is allowed to
// touch: its own progress field. Handlers update it periodically; the
// framework never interpolates progress on a handler's behalf.
type WorkerHandle interface {
	SetProgress(percent int)
}

// Handler is the one entry every handler must implement.
// ProcessTask returns progress in [0,100] and a JSON-serializable (or
// nil) result. cancel is closed when the framework wants the handler
// to stop; handlers that ignore it simply aren't cancellable in
// practice even if they declare the capability.
type Handler interface {
	ProcessTask(ctx context.Context, w WorkerHandle, job *types.Job, cancel <-chan struct{}) (progress int, result any, err error)
}

// Optional capabilities. A handler implements whichever of these
// apply; the loader detects them with type assertions rather than
// reflection on ProcessTask's arity (design note §9: cancellability
// is a capability bit, not something inferred from argument count).
type (
	Loadable    interface{ Load() error }
	Unloadable  interface{ Unload() error }
	Runnable    interface{ CanRun() bool }
	Stoppable   interface{ StopJob() error }
	Cancellable interface{ Cancellable() bool }
)

// Factory constructs a fresh handler instance. Static handlers
// register a Factory from an init() function; the loader calls it
// once per Load.
type Factory func() Handler

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a statically compiled-in handler available to the
// loader under name. Call from an init() in the handler's package.
// Panics on duplicate registration, matching the fail-fast behavior
// of a static linker catching a duplicate symbol.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("handler: duplicate registration for %q", name))
	}
	registry[name] = factory
}

// Handle wraps a loaded handler instance with the bookkeeping the
// worker needs for affinity and capability checks.
type Handle struct {
	Name       string
	SourcePath string
	ModTime    time.Time
	Instance   Handler

	HasLoad    bool
	HasUnload  bool
	HasCanRun  bool
	HasStop    bool
	Cancelable bool
}

// Affinity returns the (name, mtime) pair the worker caches to decide
// whether the next job can reuse this handle unchanged.
func (h *Handle) Affinity() types.Affinity {
	return types.Affinity{Handler: h.Name, ModTime: h.ModTime}
}

// Load resolves name to a Handle, trying static registration first
// and falling back to a plugin (.so) search along
// [pathOverride, "./modules", "./Modules", defaults...], matching the
// spec's load order (§4.2).
func Load(name string, pathOverride string, defaults []string) (*Handle, error) {
	if factory, ok := lookupStatic(name); ok {
		inst := factory()
		return newHandle(name, "builtin://"+name, time.Now(), inst), nil
	}

	searchPaths := buildSearchPath(pathOverride, defaults)
	for _, dir := range searchPaths {
		soPath := filepath.Join(dir, name+".so")
		info, err := os.Stat(soPath)
		if err != nil {
			continue
		}
		inst, err := loadPlugin(soPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", jobdb.ErrHandlerImportFailed, name, err)
		}
		return newHandle(name, soPath, info.ModTime(), inst), nil
	}
	return nil, fmt.Errorf("%w: %s (searched %v)", jobdb.ErrHandlerNotFound, name, searchPaths)
}

func lookupStatic(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

func buildSearchPath(pathOverride string, defaults []string) []string {
	var paths []string
	if pathOverride != "" {
		paths = append(paths, pathOverride)
	}
	paths = append(paths, "./modules", "./Modules")
	paths = append(paths, defaults...)
	return dedup(paths)
}

func dedup(paths []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		out = append(out, p)
	}
	return out
}

func loadPlugin(path string) (Handler, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	if sym, err := p.Lookup("Handler"); err == nil {
		if h, ok := sym.(*Handler); ok {
			return *h, nil
		}
		if h, ok := sym.(Handler); ok {
			return h, nil
		}
	}
	if sym, err := p.Lookup("New"); err == nil {
		if factory, ok := sym.(func() Handler); ok {
			return factory(), nil
		}
	}
	return nil, fmt.Errorf("plugin %s exports neither Handler nor New() Handler", path)
}

func newHandle(name, source string, modTime time.Time, inst Handler) *Handle {
	h := &Handle{Name: name, SourcePath: source, ModTime: modTime, Instance: inst}
	if _, ok := inst.(Loadable); ok {
		h.HasLoad = true
	}
	if _, ok := inst.(Unloadable); ok {
		h.HasUnload = true
	}
	if _, ok := inst.(Runnable); ok {
		h.HasCanRun = true
	}
	if _, ok := inst.(Stoppable); ok {
		h.HasStop = true
	}
	if c, ok := inst.(Cancellable); ok {
		h.Cancelable = c.Cancellable()
	}
	return h
}

// InvokeLoad calls the handler's Load hook if present, swallowing and
// logging any failure per spec §4.2 ("errors there are logged but do
// not abort the load").
func (h *Handle) InvokeLoad(logger func(string)) {
	if !h.HasLoad {
		return
	}
	if err := h.Instance.(Loadable).Load(); err != nil {
		logger(fmt.Sprintf("handler %s: load hook failed: %v", h.Name, err))
	}
}

// InvokeUnload calls the handler's Unload hook if present,
// best-effort.
func (h *Handle) InvokeUnload() {
	if !h.HasUnload {
		return
	}
	if err := h.Instance.(Unloadable).Unload(); err != nil {
		log.WithHandlerName(h.Name).Warn().Err(err).Msg("unload hook failed")
	}
}

// CanRun evaluates the handler's CanRun hook, defaulting to true when
// the handler doesn't declare one.
func (h *Handle) CanRun() bool {
	if !h.HasCanRun {
		return true
	}
	return h.Instance.(Runnable).CanRun()
}

// StopJob calls the handler's StopJob hook if present.
func (h *Handle) StopJob() error {
	if !h.HasStop {
		return nil
	}
	return h.Instance.(Stoppable).StopJob()
}

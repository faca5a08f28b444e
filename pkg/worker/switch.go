package worker

import (
	"fmt"
	"os"
	"strings"

	"github.com/cuemby/ccnode/pkg/handler"
	"github.com/cuemby/ccnode/pkg/types"
)

// switchHandler implements spec §4.4.2: reuse the loaded handler when
// it already matches the job's requested module and is unchanged on
// disk, otherwise unload the old one (best-effort) and load the new
// one, moving into the job's working directory first.
func (w *Worker) switchHandler(job *types.Job) error {
	if w.sameHandlerUnchanged(job) {
		w.ready = true
		return nil
	}

	if w.current != nil {
		w.current.InvokeUnload()
	}

	if job.WorkDir != "" {
		if err := os.Chdir(job.WorkDir); err != nil {
			w.ready = false
			return fmt.Errorf("chdir to workdir %s: %w", job.WorkDir, err)
		}
	} else if w.cfg.InstallRoot != "" {
		if err := os.Chdir(w.cfg.InstallRoot); err != nil {
			w.log.Warn().Err(err).Str("install_root", w.cfg.InstallRoot).Msg("failed to return to install root")
		}
	}

	h, err := handler.Load(job.Module, job.ModulePath, w.cfg.ModulePaths)
	if err != nil {
		w.ready = false
		return err
	}

	w.current = h
	h.InvokeLoad(func(msg string) { w.log.Warn().Str("handler", h.Name).Msg(msg) })
	w.ready = true
	return nil
}

// sameHandlerUnchanged is the worker's affinity check (spec §3): the
// currently loaded handler matches the job's module name and, for a
// file-backed handler, its source mtime has not moved since load.
// Statically registered handlers have no backing file to go stale, so
// a name match alone is sufficient.
func (w *Worker) sameHandlerUnchanged(job *types.Job) bool {
	if w.current == nil || !w.ready || w.current.Name != job.Module {
		return false
	}
	if strings.HasPrefix(w.current.SourcePath, "builtin://") {
		return true
	}
	info, err := os.Stat(w.current.SourcePath)
	if err != nil {
		return false
	}
	return info.ModTime().Equal(w.current.ModTime)
}

// Affinity exposes the worker's current (handler, mtime) pair, mainly
// for tests asserting the affinity invariant from spec §8.
func (w *Worker) Affinity() (types.Affinity, bool) {
	if w.current == nil {
		return types.Affinity{}, false
	}
	return w.current.Affinity(), true
}

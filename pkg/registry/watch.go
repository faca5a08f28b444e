package registry

import (
	"context"

	"github.com/cuemby/ccnode/pkg/log"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

// WatchReload watches paths for filesystem changes and invokes onChange
// whenever any file in a watched directory is created, written,
// removed, or renamed; events are not filtered to ".meta.yaml" sidecars.
// This is additive to the spec's synchronous rescan-on-reload-signal
// behavior (§4.5): a reload signal still triggers a direct Discover
// call regardless of whether a watch is running. WatchReload only
// matters for the real OS filesystem; it returns nil without starting
// a watch when the Registry was built over an in-memory afero.Fs,
// since fsnotify has nothing to attach to there.
func (r *Registry) WatchReload(ctx context.Context, paths []string, onChange func()) error {
	if _, ok := r.fs.(*afero.MemMapFs); ok {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, p := range dedupPaths(paths) {
		if err := watcher.Add(p); err != nil {
			log.WithComponent("registry").Debug().Err(err).Str("path", p).Msg("could not watch handler path")
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithComponent("registry").Warn().Err(err).Msg("handler path watch error")
			}
		}
	}()
	return nil
}

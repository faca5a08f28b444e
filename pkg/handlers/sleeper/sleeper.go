// Package sleeper is a cancellable handler: it sleeps for its
// "seconds" argument, reporting progress every second, and honors
// the cancel channel. It exists as a conformance fixture for the
// cancellation path of the handler ABI.
package sleeper

import (
	"context"
	"time"

	"github.com/cuemby/ccnode/pkg/handler"
	"github.com/cuemby/ccnode/pkg/types"
)

const Name = "sleeper"

func init() {
	handler.Register(Name, func() handler.Handler { return &Handler{} })
}

type Handler struct{}

func (h *Handler) CanRun() bool      { return true }
func (h *Handler) Cancellable() bool { return true }

func (h *Handler) ProcessTask(ctx context.Context, w handler.WorkerHandle, job *types.Job, cancel <-chan struct{}) (int, any, error) {
	seconds := 5
	if v, ok := job.Args["seconds"].(float64); ok {
		seconds = int(v)
	}
	if seconds <= 0 {
		return 100, map[string]any{"slept_seconds": 0}, nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	elapsed := 0
	for elapsed < seconds {
		select {
		case <-cancel:
			return elapsed * 100 / seconds, "cancelled before completion", nil
		case <-ctx.Done():
			return elapsed * 100 / seconds, nil, ctx.Err()
		case <-ticker.C:
			elapsed++
			w.SetProgress(elapsed * 100 / seconds)
		}
	}
	return 100, map[string]any{"slept_seconds": seconds}, nil
}

var (
	_ handler.Handler     = (*Handler)(nil)
	_ handler.Runnable    = (*Handler)(nil)
	_ handler.Cancellable = (*Handler)(nil)
)

// Package echo is a minimal, non-cancellable handler: it copies its
// "message" argument straight into its result and reports done. It
// exists as a conformance fixture for the handler ABI and as a
// worked example for anyone writing a new one.
package echo

import (
	"context"

	"github.com/cuemby/ccnode/pkg/handler"
	"github.com/cuemby/ccnode/pkg/types"
)

const Name = "echo"

func init() {
	handler.Register(Name, func() handler.Handler { return &Handler{} })
}

type Handler struct{}

func (h *Handler) CanRun() bool { return true }

func (h *Handler) ProcessTask(ctx context.Context, w handler.WorkerHandle, job *types.Job, cancel <-chan struct{}) (int, any, error) {
	msg, _ := job.Args["message"].(string)
	w.SetProgress(100)
	return 100, map[string]any{"echoed": msg}, nil
}

var (
	_ handler.Handler  = (*Handler)(nil)
	_ handler.Runnable = (*Handler)(nil)
)

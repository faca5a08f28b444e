package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/ccnode/pkg/fileprep"
	"github.com/cuemby/ccnode/pkg/jobdb"
	"github.com/cuemby/ccnode/pkg/log"
	"github.com/cuemby/ccnode/pkg/postprocess"
	"github.com/cuemby/ccnode/pkg/types"
	"github.com/rs/zerolog"
)

// processTask implements spec §4.4.3: stage, run, monitor, and commit
// exactly one job against the already-switched-in handler.
func (w *Worker) processTask(ctx context.Context, job *types.Job) {
	logger := w.log.With().Str("job_id", job.ID).Str("module", job.Module).Logger()

	if job.LogLevel == "" {
		job.LogLevel = string(log.DebugLevel)
	}
	prevLevel := log.SetLevel(log.Level(job.LogLevel))
	defer log.SetLevel(prevLevel)

	prepStart := time.Now()
	if err := w.stageArgs(ctx, job); err != nil {
		logger.Error().Err(err).Msg("file preparation failed")
		w.commit(ctx, job, types.JobStateFailed, map[string]any{"error": err.Error()}, 0, 0)
		return
	}
	prepareTime := time.Since(prepStart)
	logger.Debug().Dur("prepare_time", prepareTime).Msg("staging complete")

	pid := os.Getpid()
	startCPU, cpuErr := processCPUTime(pid)
	if cpuErr != nil {
		logger.Warn().Err(cpuErr).Msg("failed to sample starting CPU time")
	}

	var maxMemory uint64
	cs := newCancelState()
	var monitorDone chan struct{}
	var cancelCh <-chan struct{}

	if w.current.Cancelable {
		monitorDone = make(chan struct{})
		cancelCh = cs.ch
		go w.cancellationMonitor(ctx, job.ID, cs, &maxMemory, monitorDone)
	}

	progress, result, procErr := w.current.Instance.ProcessTask(ctx, w, job, cancelCh)

	if monitorDone != nil {
		cs.stopMonitoring()
		<-monitorDone
	}

	endCPU, cpuErr := processCPUTime(pid)
	if cpuErr != nil {
		logger.Warn().Err(cpuErr).Msg("failed to sample ending CPU time")
	}
	deltaCPU := endCPU - startCPU
	if deltaCPU < 0 {
		deltaCPU = 0
	}

	state, result := determineOutcome(cs.Cancelled(), progress, result, procErr, &logger, &w.numErrors, &w.lastError)

	if state == types.JobStateCompleted && len(job.Post) > 0 {
		if resMap, ok := result.(map[string]any); ok {
			result = postprocess.Apply(w.prep, job.Post, resMap)
		} else {
			logger.Warn().Msg("post-process directives present but handler result is not a map, skipping")
		}
	}

	w.commit(ctx, job, state, result, deltaCPU, maxMemory)
}

// determineOutcome applies spec §4.4.3 step 6's precedence: a
// cancellation observed by the monitor always wins, regardless of the
// handler's returned progress or any error it raised (spec §8's
// cancellation-precedence invariant); otherwise a thrown error or an
// unexpected (non-100) progress both fail the job; anything else is a
// clean completion.
func determineOutcome(cancelled bool, progress int, result any, procErr error, logger *zerolog.Logger, numErrors *int, lastError *string) (types.JobState, any) {
	switch {
	case cancelled:
		return types.JobStateCancelled, "Cancelled"
	case procErr != nil:
		*numErrors++
		*lastError = procErr.Error()
		logger.Error().Err(procErr).Msg("handler execution failed")
		if result == nil {
			result = map[string]any{"error": procErr.Error()}
		}
		return types.JobStateFailed, result
	case progress != 100:
		msg := fmt.Sprintf("unexpected progress %d, expected 100", progress)
		*numErrors++
		*lastError = msg
		logger.Error().Msg(msg)
		return types.JobStateFailed, map[string]any{"error": msg}
	default:
		return types.JobStateCompleted, result
	}
}

// commit performs the exactly-once terminal write (spec §4.4.3 step 8
// and the terminal-state-exclusivity invariant of §8). A commit
// failure is logged and never retried.
func (w *Worker) commit(ctx context.Context, job *types.Job, state types.JobState, result any, cpu time.Duration, memory uint64) {
	if err := w.db.UpdateJob(ctx, job.ID, state, jobdb.JobUpdate{RetVal: result, CPU: cpu, Memory: memory}); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Str("state", string(state)).Msg("job commit failed")
	}
}

// cancelState tracks whether the cancellation monitor has observed the
// job being cancelled (state CANCELLED, or the row disappearing) and
// closes ch exactly once so a handler blocked on <-cancel wakes up.
type cancelState struct {
	ch      chan struct{}
	once    sync.Once
	flag    atomic.Bool
	stopCh  chan struct{}
	stopOne sync.Once
}

func newCancelState() *cancelState {
	return &cancelState{ch: make(chan struct{}), stopCh: make(chan struct{})}
}

func (c *cancelState) trigger() {
	c.flag.Store(true)
	c.once.Do(func() { close(c.ch) })
}

func (c *cancelState) stopMonitoring() {
	c.stopOne.Do(func() { close(c.stopCh) })
}

func (c *cancelState) Cancelled() bool { return c.flag.Load() }

// cancellationMonitor implements spec §4.4.3 step 4: every 1s, poll
// the job's state; a CANCELLED state or a missing row (job deleted)
// trips the cancel flag. It also tracks peak RSS for the life of the
// job. It exits when the worker is stopping, the job is cancelled, or
// the caller signals the handler has already returned.
func (w *Worker) cancellationMonitor(ctx context.Context, jobID string, cs *cancelState, maxMemory *uint64, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	pid := os.Getpid()
	for {
		select {
		case <-ticker.C:
			state, exists, err := w.db.GetJobState(ctx, jobID)
			if err != nil {
				w.log.Warn().Err(err).Str("job_id", jobID).Msg("cancellation poll failed")
			} else if !exists || state == types.JobStateCancelled {
				cs.trigger()
			}
			if rss, err := processRSS(pid); err == nil && rss > *maxMemory {
				*maxMemory = rss
			}
		case <-cs.ch:
			return
		case <-cs.stopCh:
			return
		case <-w.stopCh:
			return
		}
	}
}

// stageArgs applies the File Preparer to every stagable string or list
// element in job.Args (spec §3's "://" + verb convention), plus the
// docker handler's nested-argument pass.
func (w *Worker) stageArgs(ctx context.Context, job *types.Job) error {
	for key, val := range job.Args {
		switch v := val.(type) {
		case string:
			if !fileprep.Stagable(v) {
				continue
			}
			staged, err := w.stageOne(ctx, v)
			if err != nil {
				return err
			}
			job.Args[key] = staged
		case []any:
			for i, item := range v {
				s, ok := item.(string)
				if !ok || !fileprep.Stagable(s) {
					continue
				}
				staged, err := w.stageOne(ctx, s)
				if err != nil {
					return err
				}
				v[i] = staged
			}
		}
	}

	if job.Module == "docker" {
		if err := stageDockerArgs(job.Args); err != nil {
			return err
		}
	}
	return nil
}

// stageOne runs a single ref through the preparer and collapses the
// common one-result case back to a bare string, matching the values a
// handler would have seen for a plain (non-unzip) ref.
func (w *Worker) stageOne(ctx context.Context, ref string) (any, error) {
	result, err := w.prep.Fix(ctx, []string{ref})
	if err != nil {
		return nil, err
	}
	if len(result.FileList) == 1 {
		return result.FileList[0], nil
	}
	out := make([]any, len(result.FileList))
	for i, p := range result.FileList {
		out[i] = p
	}
	return out, nil
}

// stageDockerArgs mirrors the "docker" handler's nested -t payload
// rewrite from spec §4.4.3. The original implementation's inner loop
// tested the list index's type against isinstance(..., str) rather
// than the element's, so staging of values inside the payload's own
// "args" list never actually happened in practice. That behavior is
// preserved here rather than guessed at.
//
// TODO: clarify with operators whether the inner list elements were
// meant to be staged; spec §9 explicitly asks not to guess here.
func stageDockerArgs(args map[string]any) error {
	raw, ok := args["arguments"]
	if !ok {
		return nil
	}
	argList, ok := raw.([]any)
	if !ok {
		return nil
	}

	for i, tok := range argList {
		s, ok := tok.(string)
		if !ok || s != "-t" || i+1 >= len(argList) {
			continue
		}
		payloadStr, ok := argList[i+1].(string)
		if !ok {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
			continue
		}

		innerArgs, _ := payload["args"].([]any)
		for idx := range innerArgs {
			// Preserved no-op: checks the loop index's own type, never
			// the element it points at, so this branch never fires.
			if _, isString := any(idx).(string); isString {
				continue
			}
		}

		reSerialized, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		argList[i+1] = string(reSerialized)
	}
	args["arguments"] = argList
	return nil
}

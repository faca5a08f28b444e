/*
Package worker implements the job-acquisition loop that is the heart
of a node (spec §4.4): allocate, switch handler, stage, run, monitor,
commit.

	for {
		jobs := db.AllocateJob(id, supported, prefer=currentHandler)
		if len(jobs) == 0 {
			heartbeat(); sleep(1s); continue
		}
		for _, job := range jobs {
			switchHandler(job)   // unload/load only if module or mtime changed
			processTask(job)     // stage -> run -> monitor -> post-process -> commit
		}
	}

A Worker is meant to be the entire contents of one OS process spawned
by the node controller (pkg/node): a crashing handler takes down one
process, not the fleet. Everything a Worker needs — the Job DB client,
the file preparer, the handler registry/loader — is constructed once
per process and never shared across a process boundary.

Cancellation is cooperative: a companion goroutine polls the job's row
in the Job DB once a second while a cancellable handler runs, and
closes a channel the handler receives as its third ProcessTask
argument. Handlers that ignore the channel simply cannot be cancelled,
matching spec §5's "the framework does not force-terminate them".
*/
package worker

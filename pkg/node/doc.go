/*
Package node implements the node controller (component C6), the
top-level process started by the ccnode binary's default command.

It never processes a job itself. Its whole job is:

 1. Run handler discovery once (component C1) to compute the supported
    set, unless the operator passed the literal module filter "any".
 2. Open the job store and start serving it over a unix socket. bbolt
    takes an exclusive file lock on open, so this is the only process
    that ever touches the database file directly; every worker talks
    to it through that socket instead.
 3. Re-exec its own binary into a hidden "worker-run" subcommand once
    per configured worker, passing the job store's socket path. Each
    child is given its own process group so the controller can
    terminate it without also signalling itself.
 4. Start the telemetry collector (pkg/telemetry) for node-wide
    resource gauges, and an fsnotify watch over the handler search
    paths as an additional reload trigger alongside the signal.
 5. Sit in a signal loop: SIGHUP re-runs discovery and forwards it to
    every child as its own SIGHUP; the first SIGINT/SIGTERM asks every
    child to exit within a bounded window, the second kills them
    outright.

Workers are isolated at the OS process level deliberately: a crashing
handler, or a handler that corrupts its own process state, takes down
exactly one worker process. The only channels between a worker and the
rest of the system are the shared job database and the signals the
controller forwards to it.
*/
package node

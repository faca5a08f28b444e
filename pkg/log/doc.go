/*
Package log provides structured logging for ccnode using zerolog.

The package wraps zerolog to give every component — handler registry,
loader, worker, node controller — a component-scoped child logger that
carries structured fields (worker_id, job_id, handler) instead of
formatted strings, so job-db errors, handler import failures, and
staging failures can be filtered and aggregated by field.

# Initialization

Init(Config) sets the global Logger exactly once, typically from
cmd/ccnode's cobra.OnInitialize hook after flags are parsed. Config
controls level (debug/info/warn/error), JSON vs console output, and
the destination writer (defaults to stdout).

# Context loggers

WithComponent, WithWorkerID, WithJobID, and WithHandlerName return a
derived zerolog.Logger with the relevant field attached; callers hold
onto the derived logger for the lifetime of the worker/job rather than
re-deriving it on every log line.
*/
package log

// Package types holds the data model shared across ccnode's
// components: job rows as consumed from the job database, handler
// metadata as parsed from a handler's sidecar file, the worker-affinity
// cache key, and the node-level resource snapshot used for telemetry.
//
// Nothing in this package talks to the filesystem, the job database,
// or a handler; it exists so pkg/jobdb, pkg/registry, pkg/handler,
// pkg/worker, and pkg/node can share one vocabulary without import
// cycles.
package types

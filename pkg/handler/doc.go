/*
Package handler defines the handler ABI (component C8) a pluggable
unit of work must satisfy, and the loader (component C2) that resolves
a handler name to a runnable Handle.

Two ways to ship a handler, mirroring design note §9's "static or
dynamic": call Register from an init() to compile it into the ccnode
binary, or build it with -buildmode=plugin and drop the .so next to a
".meta.yaml" sidecar (see pkg/registry) on a search path. Both paths
produce the same Handle, and the worker (pkg/worker) doesn't care which
one a given job used.
*/
package handler

/*
Package registry implements handler discovery (component C1).

A handler is described by a "<name>.meta.yaml" sidecar living next to
its source/plugin; the sidecar is decoded strictly (unknown fields
fail the decode) with gopkg.in/yaml.v3. A sidecar that fails to decode
is silently skipped — logged at debug, never surfaced as an error —
matching the "file whose metadata fails to parse is silently ignored"
invariant.

Discover is a pure function of the filesystem at call time and is
re-entrant; it does not retain any cross-call state. WatchReload adds
an optional fsnotify-backed watch on top, for nodes that want to react
to a handler drop without waiting for an explicit reload signal.
*/
package registry

/*
Package jobdb is the Worker's and Node Controller's only dependency on
the shared job store (component C4). The interface is intentionally
narrow: allocate, update, poll state, and worker bookkeeping — nothing
about schema, indexing, or how allocation is made atomic, all of which
spec.md treats as the job database's own concern.

BoltClient is a reference implementation over go.etcd.io/bbolt for
running ccnode standalone and for tests; it is not a multi-node job
queue.
*/
package jobdb

/*
Package telemetry samples node-wide CPU, memory, and disk usage and
exposes them as Prometheus gauges on a fixed cadence. Collection is
suppressed under a container runtime (detected by the presence of
/.dockerenv): the node controller keeps supervising its workers there
but reports no host-level status, which would not reflect the
container's own limits.
*/
package telemetry

/*
Package metrics provides Shepherd's observability surface.

Two layers live here. The package-level Prometheus collectors cover
process metrics (queue depth, dispatch latency, connected agents,
orchestration outcomes) and are exposed on /metrics. The Recorder writes
the persisted queue-metric rollups: per metric name, direction, optional
host and time period it aggregates count, error count and min/avg/max
latency into the store, where reporting layers read them.
*/
package metrics

/*
Package metrics provides Prometheus metrics collection and exposition for
the ShutterSense coordinator.

All metrics register against the global default registry at package init
and are exposed via promhttp on /metrics. The Collector refreshes the
fleet-wide gauges (agents by status, jobs by status, team count) from the
store every 15 seconds; the counters and histograms are updated inline by
the API, coordinator, and liveness components. A lightweight health checker
backs the /healthz endpoint with per-component status.

Label discipline: labels are bounded enums only (agent status, job status,
HTTP method). GUIDs and other unbounded values never appear as labels.
*/
package metrics

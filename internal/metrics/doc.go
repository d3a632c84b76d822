/*
Package metrics exports queue, cache and session observations to Prometheus
and serves the observability endpoints.

Collector implements the metric hook interfaces owned by the queue, cache and
session packages, so those packages never import Prometheus. Each Collector
has a private registry; several can coexist in one process (tests rely on this).

Endpoints served by Server:

	/metrics   Prometheus exposition of the collector registry
	/health    200 while the session is connected, 503 otherwise
	/status    JSON document with queue status, cache stats and session snapshot

Metric families (namespace "sessiond" by default):

	queue_items_total{status}                 settled items
	queue_item_latency_seconds                enqueue to settlement
	queue_pass_duration_seconds               scheduler pass duration
	queue_length, queue_in_flight             gauges
	cache_lookups_total{pool,result}          hits and misses
	cache_evictions_total{pool,reason}        expired, capacity, pressure, flush
	cache_pressure_passes_total{tier}         moderate and high passes
	session_transitions_total{from,to}        state machine edges
	session_closes_total{reason,class}        gateway closes
	session_reconnects_scheduled_total        armed reconnect timers
	session_state{state}                      1 for the current state
*/
package metrics

/*
Package metrics provides Prometheus metrics collection and health endpoints
for zmigrate.

The metrics package defines and registers all zmigrate metrics using the
Prometheus client library, providing observability into token issuance,
job throughput, stream connections, and transfer volume. Metrics are
exposed via HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ───────────────────────┐
	│                                                             │
	│  ┌────────────────────────────────────────────┐            │
	│  │          Prometheus Registry                │            │
	│  │  - Global DefaultRegistry                   │            │
	│  │  - MustRegister at package init             │            │
	│  └──────────────────┬─────────────────────────┘            │
	│                     │                                       │
	│  ┌──────────────────▼─────────────────────────┐            │
	│  │           Component Updates                 │            │
	│  │  pkg/api      → request counters, latency   │            │
	│  │  pkg/tokens   → issuance/validation         │            │
	│  │  pkg/jobs     → terminal statuses, duration │            │
	│  │  pkg/stream   → connections, auth failures  │            │
	│  │  pkg/replication → bytes transferred        │            │
	│  └──────────────────┬─────────────────────────┘            │
	│                     │                                       │
	│  ┌──────────────────▼─────────────────────────┐            │
	│  │             Collector                       │            │
	│  │  - samples queue depth / running jobs       │            │
	│  │  - samples active token gauge               │            │
	│  │  - doubles as the Redis health probe        │            │
	│  │  - 15 second interval, stopCh shutdown      │            │
	│  └────────────────────────────────────────────┘            │
	└─────────────────────────────────────────────────────────────┘

# Endpoints

  - /metrics: Prometheus exposition (Handler)
  - /healthz: overall component health (HealthHandler)
  - /readyz: readiness; redis, jobs, and stream must all be healthy
    (ReadyHandler)

# Usage

Updating metrics from components:

	metrics.TokensIssued.WithLabelValues("send").Inc()
	metrics.QueueDepth.Set(float64(depth))
	metrics.BytesTransferred.Add(float64(n))

Timing an operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)

Reporting component health:

	metrics.RegisterComponent("stream", true, "")
	metrics.UpdateComponent("redis", false, err.Error())

# Integration Points

This package integrates with:

  - pkg/api: request counters and the /metrics, /healthz, /readyz routes
  - pkg/jobs: terminal status counters and the job duration histogram
  - pkg/tokens: issuance and validation outcome counters
  - pkg/stream: connection gauge and authentication failure counter
  - cmd/zmigrate: starts the Collector alongside the servers
*/
package metrics

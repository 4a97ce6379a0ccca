/*
Package log provides structured logging for zmigrate using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers and configurable log levels. All logs
include timestamps and support filtering by severity level for production
debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐           │
	│  │            Global Logger                    │           │
	│  │  - Zerolog instance                         │           │
	│  │  - Initialized via log.Init()               │           │
	│  │  - Thread-safe for concurrent use           │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │         Component Loggers                   │           │
	│  │  - WithComponent("jobs")                    │           │
	│  │  - per-call fields: job_id, dataset, peer   │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │            Log Output                       │           │
	│  │  JSON:    {"level":"info","component":      │           │
	│  │            "stream","message":"accepted"}   │           │
	│  │  Console: 10:30AM INF accepted              │           │
	│  │            component=stream                 │           │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:  "info",
		Format: "json",
		Output: os.Stderr,
	})

Structured logging:

	log.Logger.Info().
		Str("dataset", "tank/data").
		Int64("bytes", n).
		Msg("transfer complete")

Component loggers:

	jobsLog := log.WithComponent("jobs")
	jobsLog.Info().Str("job_id", id).Msg("worker started")

# Integration Points

This package integrates with:

  - pkg/jobs: logs worker lifecycle and job transitions
  - pkg/replication: logs planning decisions and pipeline events
  - pkg/stream: logs connection authentication and splice results
  - pkg/tokens: logs issuance and validation outcomes
  - pkg/api: logs HTTP requests and errors

# Security

Token identifiers are capability secrets: log only their truncated form.
Never log the MAC secret or Redis password.
*/
package log

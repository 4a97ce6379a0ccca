/*
Package types defines the core data structures used throughout zmigrate.

This package contains the records exchanged between components: capability
tokens, background jobs and their progress, migration requests, and the
error taxonomy transport layers map to status codes. Types here are plain
data; behaviour lives in the owning packages (pkg/tokens, pkg/jobs,
pkg/replication).

# Core Types

Capability Tokens:
  - Token: single-use capability authorizing one streaming operation,
    carrying operation, dataset, owner, expiry, and an integrity tag
  - TokenStats / ValidationStats: store-wide counters

Background Jobs:
  - Job: persisted job record with monotonic status transitions
    pending -> running -> completed | failed | cancelled
  - JobResult: terminal outcome (return code, cancelled flag, bytes)
  - Progress: last meter observation (bytes, rate, percent, ETA)

Requests:
  - MigrationRequest: user-supplied replication description covering
    source/target endpoints, snapshot policy, compression, rate limit
  - TransferFlags: the stream knob bag carried by tokens

All types are designed to be:
  - Serializable (JSON for persistence and the control API)
  - Validated (string enums with helpers, monotonic transition checks)

# Error Taxonomy

Sentinels (ErrNotFound, ErrUnauthorized, ErrTokenReused, ErrQuotaExceeded,
ErrNoCommonSnapshot, ErrRemoteUnreachable, ErrResumeMismatch,
ErrStoreUnavailable) classify failures across package boundaries; wrap them
with fmt.Errorf("...: %w", err) and test with errors.Is. ValidationError
carries a field name for request-shape failures and maps to a 400 at the
API layer.

# Usage

	req := types.MigrationRequest{
		SourceDataset: "tank/data",
		TargetDataset: "backup/data",
		TargetHost:    "10.0.0.2",
		CreateSnapshot: true,
	}

	if !job.Status.CanTransition(types.JobStatusRunning) {
		return fmt.Errorf("job %s is %s", job.ID, job.Status)
	}
*/
package types

package types

import (
	"encoding/json"
	"time"
)

// Operation is the direction of a streaming transfer.
type Operation string

const (
	OperationSend    Operation = "send"
	OperationReceive Operation = "receive"
)

// Valid reports whether the operation is one of the supported directions.
func (o Operation) Valid() bool {
	return o == OperationSend || o == OperationReceive
}

// JobStatus represents the lifecycle state of a background job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next preserves the
// monotonic order pending -> running -> terminal.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next.Terminal()
	case JobStatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// JobTypeReplication is the only job type the manager currently dispatches.
const JobTypeReplication = "replication"

// TransferFlags is the bag of stream knobs carried by tokens and requests.
type TransferFlags struct {
	Raw        bool `json:"raw,omitempty"`        // encrypted-stream passthrough
	Compressed bool `json:"compressed,omitempty"` // block-level compressed stream
	Recursive  bool `json:"recursive,omitempty"`
	Resumable  bool `json:"resumable,omitempty"`
	Force      bool `json:"force,omitempty"` // receive -F
}

// Token is a single-use capability that authorizes one streaming operation.
type Token struct {
	ID           string        `json:"id"`
	Operation    Operation     `json:"operation"`
	Dataset      string        `json:"dataset"`
	Snapshot     string        `json:"snapshot,omitempty"`
	FromSnapshot string        `json:"from_snapshot,omitempty"`
	Parameters   TransferFlags `json:"parameters"`
	OwnerID      string        `json:"owner_id"`
	BoundPeer    string        `json:"bound_peer,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	UseCount     int           `json:"use_count"`
	Used         bool          `json:"used"`
	LastUsedAt   time.Time     `json:"last_used_at,omitempty"`
	LastUsedBy   string        `json:"last_used_by,omitempty"`
	IntegrityTag string        `json:"integrity_tag"`
}

// Expired reports whether the token is past its expiry at the given time.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// TokenStats aggregates store-wide token counters.
type TokenStats struct {
	ActiveTokens  int64           `json:"active_tokens"`
	TokensCreated int64           `json:"tokens_created"`
	TokensRevoked int64           `json:"tokens_revoked"`
	Validation    ValidationStats `json:"validation"`
}

// ValidationStats counts validation outcomes by kind.
type ValidationStats struct {
	Success      int64 `json:"success"`
	NotFound     int64 `json:"not_found"`
	InvalidData  int64 `json:"invalid_data"`
	Expired      int64 `json:"expired"`
	ChecksumFail int64 `json:"checksum_fail"`
	AlreadyUsed  int64 `json:"already_used"`
}

// Progress is the last-observed transfer state for a running job.
type Progress struct {
	BytesTransferred int64   `json:"bytes_transferred"`
	TotalBytes       int64   `json:"total_bytes,omitempty"`
	Percentage       float64 `json:"percentage,omitempty"`
	RatePerSecond    int64   `json:"rate_bytes_per_second,omitempty"`
	ETASeconds       int64   `json:"eta_seconds,omitempty"`
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
}

// Equal reports whether two progress records carry the same values.
// Elapsed time is ignored so identical meter lines deduplicate.
func (p Progress) Equal(other Progress) bool {
	return p.BytesTransferred == other.BytesTransferred &&
		p.TotalBytes == other.TotalBytes &&
		p.Percentage == other.Percentage &&
		p.RatePerSecond == other.RatePerSecond &&
		p.ETASeconds == other.ETASeconds
}

// MigrationRequest is the user-supplied replication job description.
type MigrationRequest struct {
	SourceDataset string `json:"source_dataset"`
	SourceHost    string `json:"source_host,omitempty"` // empty means local
	TargetDataset string `json:"target_dataset"`
	TargetHost    string `json:"target_host,omitempty"` // empty means local
	TargetFile    string `json:"target_file,omitempty"` // stream-to-file destination
	SourceFile    string `json:"source_file,omitempty"` // stream-from-file source

	Snapshot       string `json:"snapshot,omitempty"`        // explicit terminal snapshot
	CreateSnapshot bool   `json:"create_snapshot,omitempty"` // mint migrate-… when needed
	AllowFull      bool   `json:"allow_full,omitempty"`      // permit full send without a base
	Recursive      bool   `json:"recursive,omitempty"`
	Raw            bool   `json:"raw,omitempty"`
	Force          bool   `json:"force,omitempty"`

	Compression string `json:"compression,omitempty"` // off, auto, gzip, bzip2, xz, lz4, zstd
	RateLimit   string `json:"rate_limit,omitempty"`  // meter -L value, e.g. "10M"

	SSHUser string `json:"ssh_user,omitempty"`
	SSHPort int    `json:"ssh_port,omitempty"`
}

// JobResult is the terminal outcome recorded on a job.
type JobResult struct {
	ReturnCode       int     `json:"return_code"`
	Cancelled        bool    `json:"cancelled,omitempty"`
	UpToDate         bool    `json:"up_to_date,omitempty"`
	BytesTransferred int64   `json:"bytes_transferred,omitempty"`
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	Snapshot         string  `json:"snapshot,omitempty"` // terminal snapshot transferred
	Message          string  `json:"message,omitempty"`
}

// Job is the persisted record of a background job.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      JobStatus       `json:"status"`
	Params      json.RawMessage `json:"params,omitempty"` // request JSON as submitted
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Progress    *Progress       `json:"progress,omitempty"`
	Result      *JobResult      `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// JobStats summarizes queue and worker state.
type JobStats struct {
	QueueDepth int              `json:"queue_depth"`
	Workers    int              `json:"workers"`
	Running    int              `json:"running"`
	ByStatus   map[string]int64 `json:"by_status,omitempty"`
}

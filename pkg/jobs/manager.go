package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zmigrate/zmigrate/pkg/config"
	"github.com/zmigrate/zmigrate/pkg/log"
	"github.com/zmigrate/zmigrate/pkg/metrics"
	"github.com/zmigrate/zmigrate/pkg/replication"
	"github.com/zmigrate/zmigrate/pkg/storage"
	"github.com/zmigrate/zmigrate/pkg/types"
)

// Handler executes one job. The control handle is registered with the
// manager before invocation so Cancel can reach the pipeline; progress
// callbacks may fire any number of times, including never.
type Handler func(ctx context.Context, job *types.Job, ctl *replication.Control, onProgress func(types.Progress)) (*types.JobResult, error)

const (
	jobKeyPrefix = "job:"

	// popTimeout bounds how long a worker blocks on the queue per
	// iteration so shutdown is observed within a second.
	popTimeout = time.Second

	// cancelGrace is the window after completion during which a cancel
	// of a job that carries the cancellation marker still succeeds.
	cancelGrace = 5 * time.Second

	// terminalSaveTimeout bounds the write of a terminal state, which
	// runs on its own context so shutdown cannot lose it.
	terminalSaveTimeout = 10 * time.Second
)

// Manager owns the job queue: creation, worker dispatch, persistence,
// and cancellation. All state lives in Redis; the in-memory maps only
// track handlers and the pipeline controls of jobs running locally.
type Manager struct {
	store  *storage.Store
	cfg    config.JobConfig
	logger zerolog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	running  map[string]*replication.Control
	cancel   context.CancelFunc

	wg  sync.WaitGroup
	now func() time.Time
}

// NewManager builds a manager over the shared store. Register handlers
// before calling Start.
func NewManager(store *storage.Store, cfg config.JobConfig) *Manager {
	return &Manager{
		store:    store,
		cfg:      cfg,
		logger:   log.WithComponent("jobs"),
		handlers: make(map[string]Handler),
		running:  make(map[string]*replication.Control),
		now:      time.Now,
	}
}

// Register binds a handler to a job type.
func (m *Manager) Register(jobType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[jobType] = h
}

// Start launches the worker pool.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	workers := m.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(runCtx, i)
	}
	m.logger.Info().Int("workers", workers).Str("queue", m.cfg.Queue).Msg("Job manager started")
}

// Stop cancels the workers, waits for them to drain, then terminates
// any pipeline that outlived its worker.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()

	m.mu.Lock()
	lingering := make([]*replication.Control, 0, len(m.running))
	for _, ctl := range m.running {
		lingering = append(lingering, ctl)
	}
	m.mu.Unlock()
	for _, ctl := range lingering {
		ctl.Cancel()
	}
	m.logger.Info().Msg("Job manager stopped")
}

// Create persists a new pending job and queues it for dispatch.
func (m *Manager) Create(ctx context.Context, jobType string, params any) (*types.Job, error) {
	m.mu.Lock()
	_, known := m.handlers[jobType]
	m.mu.Unlock()
	if !known {
		return nil, types.NewValidationError("type", "unknown job type %q", jobType)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job params: %w", err)
	}

	job := &types.Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Status:    types.JobStatusPending,
		Params:    raw,
		CreatedAt: m.now().UTC(),
	}
	if err := m.save(ctx, job); err != nil {
		return nil, err
	}
	if err := m.store.RPush(ctx, m.cfg.Queue, job.ID); err != nil {
		return nil, err
	}
	m.logger.Info().Str("job_id", job.ID).Str("type", jobType).Msg("Job queued")
	return job, nil
}

// Get loads one job record.
func (m *Manager) Get(ctx context.Context, id string) (*types.Job, error) {
	fields, err := m.store.HGetAll(ctx, jobKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, types.ErrNotFound
	}
	return decodeJob(fields)
}

// List returns job records, most recent first. An empty status matches
// every job; limit <= 0 means no cap.
func (m *Manager) List(ctx context.Context, status types.JobStatus, limit int) ([]*types.Job, error) {
	keys, err := m.store.Scan(ctx, jobKeyPrefix+"*")
	if err != nil {
		return nil, err
	}

	records := make([]*types.Job, 0, len(keys))
	for _, key := range keys {
		fields, err := m.store.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue // expired between scan and read
		}
		job, err := decodeJob(fields)
		if err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("Skipping corrupt job record")
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		records = append(records, job)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Cancel requests cancellation of a running job. It is idempotent: a
// job already cancelled, or completed with the cancellation marker in
// the last five seconds, reports success. Anything else that is not
// running is ErrJobNotRunning.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	job, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	switch job.Status {
	case types.JobStatusRunning:
		m.mu.Lock()
		ctl := m.running[id]
		m.mu.Unlock()
		if ctl != nil {
			ctl.Cancel()
			m.logger.Info().Str("job_id", id).Msg("Cancellation requested")
			return nil
		}
		// Running on record but owned by no worker here: a stale record
		// from a process that died mid-job. Flip it so it does not read
		// as running forever.
		now := m.now().UTC()
		job.Status = types.JobStatusCancelled
		job.CompletedAt = &now
		job.Error = "cancelled while unowned"
		return m.save(ctx, job)
	case types.JobStatusCancelled:
		return nil
	case types.JobStatusCompleted:
		// The pipeline can finish in the gap between the user deciding
		// to cancel and the signal landing.
		if job.Result != nil && job.Result.Cancelled && job.CompletedAt != nil &&
			m.now().Sub(*job.CompletedAt) < cancelGrace {
			return nil
		}
		return types.ErrJobNotRunning
	default:
		return types.ErrJobNotRunning
	}
}

// Stats summarizes queue depth, worker pool size, and record counts by
// status.
func (m *Manager) Stats(ctx context.Context) (*types.JobStats, error) {
	depth, err := m.store.LLen(ctx, m.cfg.Queue)
	if err != nil {
		return nil, err
	}

	keys, err := m.store.Scan(ctx, jobKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	byStatus := make(map[string]int64)
	for _, key := range keys {
		status, err := m.store.HGet(ctx, key, "status")
		if err != nil {
			continue
		}
		byStatus[status]++
	}

	m.mu.Lock()
	running := len(m.running)
	m.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	return &types.JobStats{
		QueueDepth: int(depth),
		Workers:    m.cfg.Workers,
		Running:    running,
		ByStatus:   byStatus,
	}, nil
}

func (m *Manager) worker(ctx context.Context, n int) {
	defer m.wg.Done()
	logger := m.logger.With().Int("worker", n).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		id, ok, err := m.store.BLPop(ctx, popTimeout, m.cfg.Queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("Queue pop failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(popTimeout):
			}
			continue
		}
		if !ok {
			continue
		}
		m.dispatch(ctx, logger, id)
	}
}

// dispatch runs one popped job to its terminal state.
func (m *Manager) dispatch(ctx context.Context, logger zerolog.Logger, id string) {
	job, err := m.Get(ctx, id)
	if err != nil {
		logger.Error().Err(err).Str("job_id", id).Msg("Failed to load queued job")
		return
	}
	if job.Status != types.JobStatusPending {
		logger.Warn().Str("job_id", id).Str("status", string(job.Status)).Msg("Skipping job no longer pending")
		return
	}

	m.mu.Lock()
	handler, known := m.handlers[job.Type]
	m.mu.Unlock()

	if !known {
		m.finish(logger, job, nil, fmt.Errorf("no handler for job type %q", job.Type))
		return
	}

	started := m.now().UTC()
	job.Status = types.JobStatusRunning
	job.StartedAt = &started
	if err := m.save(ctx, job); err != nil {
		logger.Error().Err(err).Str("job_id", id).Msg("Failed to mark job running")
		return
	}

	ctl := &replication.Control{}
	m.mu.Lock()
	m.running[id] = ctl
	m.mu.Unlock()
	metrics.JobsRunning.Inc()
	logger.Info().Str("job_id", id).Str("type", job.Type).Msg("Job started")

	onProgress := func(p types.Progress) {
		raw, err := json.Marshal(p)
		if err != nil {
			return
		}
		if err := m.setField(ctx, id, "progress", string(raw)); err != nil {
			logger.Debug().Err(err).Str("job_id", id).Msg("Progress update failed")
		}
	}

	result, runErr := handler(ctx, job, ctl, onProgress)

	m.mu.Lock()
	delete(m.running, id)
	m.mu.Unlock()
	metrics.JobsRunning.Dec()

	m.finish(logger, job, result, runErr)
}

// finish records a job's terminal state. The write runs on its own
// context so a shutdown that cancelled the worker cannot lose it.
func (m *Manager) finish(logger zerolog.Logger, job *types.Job, result *types.JobResult, runErr error) {
	completed := m.now().UTC()
	job.CompletedAt = &completed
	job.Result = result

	switch {
	case runErr != nil:
		job.Status = types.JobStatusFailed
		job.Error = runErr.Error()
	case result != nil && result.Cancelled:
		job.Status = types.JobStatusCancelled
	default:
		job.Status = types.JobStatusCompleted
	}

	ctx, cancel := context.WithTimeout(context.Background(), terminalSaveTimeout)
	defer cancel()
	if err := m.save(ctx, job); err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist terminal job state")
	}

	metrics.JobsTotal.WithLabelValues(string(job.Status)).Inc()
	if job.StartedAt != nil {
		metrics.JobDuration.Observe(completed.Sub(*job.StartedAt).Seconds())
	}

	if job.Status == types.JobStatusFailed {
		logger.Error().Str("job_id", job.ID).Str("error", job.Error).Msg("Job failed")
		return
	}
	logger.Info().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("Job finished")
}

// save persists the job's current state and refreshes the record TTL.
// Status regressions are refused so a slow writer cannot move a
// terminal job back in time.
func (m *Manager) save(ctx context.Context, job *types.Job) error {
	key := jobKey(job.ID)
	current, err := m.store.HGet(ctx, key, "status")
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if err == nil {
		from := types.JobStatus(current)
		if from != job.Status && !from.CanTransition(job.Status) {
			return fmt.Errorf("invalid status transition %s -> %s", from, job.Status)
		}
	}
	if err := m.store.HSet(ctx, key, encodeJob(job)); err != nil {
		return err
	}
	return m.store.Expire(ctx, key, m.cfg.RecordTTL.Std())
}

// setField replaces a single hash field without touching the rest of
// the record.
func (m *Manager) setField(ctx context.Context, id, field, value string) error {
	return m.store.HSet(ctx, jobKey(id), map[string]string{field: value})
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func encodeJob(job *types.Job) map[string]string {
	fields := map[string]string{
		"id":         job.ID,
		"type":       job.Type,
		"status":     string(job.Status),
		"created_at": job.CreatedAt.Format(time.RFC3339Nano),
	}
	if len(job.Params) > 0 {
		fields["params"] = string(job.Params)
	}
	if job.StartedAt != nil {
		fields["started_at"] = job.StartedAt.Format(time.RFC3339Nano)
	}
	if job.CompletedAt != nil {
		fields["completed_at"] = job.CompletedAt.Format(time.RFC3339Nano)
	}
	if job.Error != "" {
		fields["error"] = job.Error
	}
	if job.Result != nil {
		raw, _ := json.Marshal(job.Result)
		fields["result"] = string(raw)
	}
	if job.Progress != nil {
		raw, _ := json.Marshal(job.Progress)
		fields["progress"] = string(raw)
	}
	return fields
}

func decodeJob(fields map[string]string) (*types.Job, error) {
	job := &types.Job{
		ID:     fields["id"],
		Type:   fields["type"],
		Status: types.JobStatus(fields["status"]),
		Error:  fields["error"],
	}
	if job.ID == "" {
		return nil, fmt.Errorf("job record missing id")
	}

	var err error
	if job.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, err
	}
	if v := fields["started_at"]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, err
		}
		job.StartedAt = &t
	}
	if v := fields["completed_at"]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, err
		}
		job.CompletedAt = &t
	}
	if v := fields["params"]; v != "" {
		job.Params = json.RawMessage(v)
	}
	if v := fields["result"]; v != "" {
		var r types.JobResult
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("corrupt result field: %w", err)
		}
		job.Result = &r
	}
	if v := fields["progress"]; v != "" {
		var p types.Progress
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, fmt.Errorf("corrupt progress field: %w", err)
		}
		job.Progress = &p
	}
	return job, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt time field %q: %w", v, err)
	}
	return t, nil
}

package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zmigrate/zmigrate/pkg/replication"
	"github.com/zmigrate/zmigrate/pkg/types"
)

// Runner is the replication engine surface the handler needs.
type Runner interface {
	Run(ctx context.Context, req types.MigrationRequest, ctl *replication.Control, onProgress func(types.Progress)) (*types.JobResult, error)
}

// ReplicationHandler adapts the replication engine to the handler
// contract: job params decode into a migration request and the engine
// runs it under the worker's pipeline control.
func ReplicationHandler(runner Runner) Handler {
	return func(ctx context.Context, job *types.Job, ctl *replication.Control, onProgress func(types.Progress)) (*types.JobResult, error) {
		var req types.MigrationRequest
		if err := json.Unmarshal(job.Params, &req); err != nil {
			return nil, fmt.Errorf("invalid replication params: %w", err)
		}
		return runner.Run(ctx, req, ctl, onProgress)
	}
}

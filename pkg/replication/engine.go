package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zmigrate/zmigrate/pkg/config"
	"github.com/zmigrate/zmigrate/pkg/log"
	"github.com/zmigrate/zmigrate/pkg/metrics"
	"github.com/zmigrate/zmigrate/pkg/proc"
	"github.com/zmigrate/zmigrate/pkg/progress"
	"github.com/zmigrate/zmigrate/pkg/types"
	"github.com/zmigrate/zmigrate/pkg/zfs"
)

// Engine plans and executes transfers as process pipelines.
type Engine struct {
	cfg     config.ReplicationConfig
	planner *Planner
	logger  zerolog.Logger

	clientFor func(*Endpoint) *zfs.Client
	now       func() time.Time
}

// NewEngine builds an engine over the configured replication defaults.
func NewEngine(cfg config.ReplicationConfig) *Engine {
	p := NewPlanner(cfg)
	return &Engine{
		cfg:       cfg,
		planner:   p,
		logger:    log.WithComponent("replication"),
		clientFor: p.clientFor,
		now:       time.Now,
	}
}

// Planner exposes the engine's planner for dry-run previews.
func (e *Engine) Planner() *Planner {
	return e.planner
}

// Run plans and executes one migration. Cancellation through ctl or ctx
// is not an error: the result comes back with Cancelled set and whatever
// figures the meter last reported.
func (e *Engine) Run(ctx context.Context, req types.MigrationRequest, ctl *Control, onProgress func(types.Progress)) (*types.JobResult, error) {
	plan, err := e.planner.Plan(ctx, req)
	if err != nil {
		metrics.ReplicationsTotal.WithLabelValues("plan_failed").Inc()
		return nil, err
	}

	if plan.UpToDate {
		metrics.ReplicationsTotal.WithLabelValues("up_to_date").Inc()
		return &types.JobResult{
			UpToDate: true,
			Snapshot: plan.Snapshot,
			Message:  "destination already up to date",
		}, nil
	}

	result, err := e.execute(ctx, plan, ctl, onProgress)

	// A stale resume token is worth one renegotiated attempt: only the
	// partial state on the destination is lost, not the data. Abort the
	// half-finished receive, re-plan without the token, send again.
	if err != nil && plan.ResumeToken != "" && e.cfg.RetryResumeAsIncremental &&
		resumeRejected(err) && !cancelled(ctl) {
		e.diagnoseResumeFailure(ctx, plan)
		if aerr := e.clientFor(plan.Target).AbortReceive(ctx, plan.TargetDataset); aerr != nil {
			return result, fmt.Errorf("failed to abort partial receive: %w (resume send failed: %w)", aerr, err)
		}
		e.logger.Warn().
			Str("dataset", plan.TargetDataset).
			Msg("Resume token rejected, retrying as renegotiated send")

		retryPlan, perr := e.planner.Plan(ctx, req)
		if perr != nil {
			return result, perr
		}
		if retryPlan.ResumeToken != "" {
			return result, fmt.Errorf("destination still holds partial receive state after abort: %w", types.ErrResumeMismatch)
		}
		plan = retryPlan
		result, err = e.execute(ctx, plan, ctl, onProgress)
	}
	if err != nil {
		return result, err
	}
	if result.Cancelled {
		return result, nil
	}

	if e.cfg.SyncHolds && plan.Snapshot != "" && plan.Source.File == "" && plan.Target.File == "" {
		e.syncHolds(ctx, plan)
	}
	return result, nil
}

func (e *Engine) execute(ctx context.Context, plan *Plan, ctl *Control, onProgress func(types.Progress)) (*types.JobResult, error) {
	parser := progress.NewParser(onProgress, func(line string) {
		e.logger.Debug().Str("meter", e.cfg.Meter).Str("line", line).Msg("Meter output")
	})
	if plan.SizeEstimate > 0 {
		parser.SetTotal(plan.SizeEstimate)
	}

	pipeline, cleanup, err := e.buildPipeline(plan, parser)
	defer cleanup()
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("kind", plan.Kind()).
		Str("source", plan.Source.String()).
		Str("target", plan.Target.String()).
		Str("snapshot", plan.Snapshot).
		Str("base", plan.FromSnapshot).
		Int64("size_estimate", plan.SizeEstimate).
		Msg("Starting transfer")

	started := e.now()
	handle, err := pipeline.Start()
	if err != nil {
		metrics.ReplicationsTotal.WithLabelValues("spawn_failed").Inc()
		return nil, err
	}
	if ctl != nil {
		ctl.attach(handle)
	}

	waitErr := handle.Wait(ctx)
	_ = parser.Close()

	rec, _ := parser.Snapshot()
	result := &types.JobResult{
		BytesTransferred: rec.BytesTransferred,
		ElapsedSeconds:   time.Since(started).Seconds(),
		Snapshot:         plan.Snapshot,
	}

	if waitErr != nil {
		var perr *proc.PipelineError
		if errors.As(waitErr, &perr) {
			result.ReturnCode = perr.Code()
			if perr.Cancelled() || cancelled(ctl) {
				result.Cancelled = true
				result.Message = "transfer cancelled"
				metrics.ReplicationsTotal.WithLabelValues("cancelled").Inc()
				e.logger.Warn().
					Str("snapshot", plan.Snapshot).
					Int64("bytes", rec.BytesTransferred).
					Msg("Transfer cancelled")
				return result, nil
			}
			if stderrContains(perr, "dataset is busy") {
				e.diagnoseBusyDataset(ctx, plan)
			}
		}
		metrics.ReplicationsTotal.WithLabelValues("failed").Inc()
		return result, waitErr
	}

	result.Message = "transfer completed"
	metrics.ReplicationsTotal.WithLabelValues("completed").Inc()
	metrics.BytesTransferred.Add(float64(rec.BytesTransferred))
	e.logger.Info().
		Str("snapshot", plan.Snapshot).
		Int64("bytes", rec.BytesTransferred).
		Float64("elapsed_seconds", result.ElapsedSeconds).
		Msg("Transfer completed")
	return result, nil
}

// buildPipeline assembles the stage vector for a plan. The meter sits
// directly after the source so its byte counts line up with the size
// estimate, taken before any codec shrinks the stream.
func (e *Engine) buildPipeline(plan *Plan, parser *progress.Parser) (*proc.Pipeline, func(), error) {
	pipeline := &proc.Pipeline{}
	var closers []io.Closer
	cleanup := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	switch {
	case plan.Source.File != "":
		f, err := os.Open(plan.Source.File)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to open stream file: %w", err)
		}
		closers = append(closers, f)
		pipeline.Stdin = f
	case plan.Compressor != nil && !plan.Source.Local():
		// Compress on the far side so the narrow hop carries the shrunk
		// stream.
		sendArgs, err := zfs.SendArgs(plan.sendSpec())
		if err != nil {
			return nil, cleanup, err
		}
		script := shellJoin(sendArgs) + " | " + shellJoin(plan.Compressor.Compress)
		pipeline.Commands = append(pipeline.Commands, proc.Command{Argv: plan.Source.Script(script)})
	default:
		sendArgs, err := zfs.SendArgs(plan.sendSpec())
		if err != nil {
			return nil, cleanup, err
		}
		pipeline.Commands = append(pipeline.Commands, proc.Command{Argv: plan.Source.Command(sendArgs)})
	}

	pipeline.Commands = append(pipeline.Commands, proc.Command{
		Argv:   e.meterArgs(plan),
		Stderr: parser,
	})

	if plan.Compressor != nil && plan.Source.Local() && plan.Source.File == "" {
		pipeline.Commands = append(pipeline.Commands, proc.Command{Argv: plan.Compressor.Compress})
	}

	if plan.Target.File != "" {
		f, err := os.Create(plan.Target.File)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to create stream file: %w", err)
		}
		closers = append(closers, f)
		pipeline.Stdout = f
		return pipeline, cleanup, nil
	}

	recvArgs, err := zfs.ReceiveArgs(zfs.ReceiveSpec{
		Dataset:   plan.TargetDataset,
		Force:     plan.Force,
		Resumable: true,
	})
	if err != nil {
		return nil, cleanup, err
	}
	switch {
	case plan.Target.Local() && plan.Compressor != nil:
		pipeline.Commands = append(pipeline.Commands,
			proc.Command{Argv: plan.Compressor.Decompress},
			proc.Command{Argv: recvArgs})
	case plan.Target.Local():
		pipeline.Commands = append(pipeline.Commands, proc.Command{Argv: recvArgs})
	case plan.Compressor != nil:
		script := shellJoin(plan.Compressor.Decompress) + " | " + shellJoin(recvArgs)
		pipeline.Commands = append(pipeline.Commands, proc.Command{Argv: plan.Target.Script(script)})
	default:
		pipeline.Commands = append(pipeline.Commands, proc.Command{Argv: plan.Target.Command(recvArgs)})
	}

	return pipeline, cleanup, nil
}

// meterArgs builds the meter invocation: single-line byte/rate/eta
// output on stderr once a second, flushed even when stderr is a pipe.
func (e *Engine) meterArgs(plan *Plan) []string {
	args := []string{e.cfg.Meter, "-p", "-t", "-e", "-r", "-b", "-W", "-f", "-i", "1"}
	if plan.RateLimit != "" {
		args = append(args, "-L", plan.RateLimit)
	}
	if plan.SizeEstimate > 0 {
		args = append(args, "-s", strconv.FormatInt(plan.SizeEstimate, 10))
	}
	return args
}

// resumeRejectedPatterns are the zfs complaints that mean a resume token
// refers to state the source no longer has. Anything else, a network
// drop or a suspended pool, is a plain failure and is not renegotiated.
var resumeRejectedPatterns = []string{
	"used in the initial send no longer exists",
	"used in the incremental send stream",
	"cannot resume send",
	"invalid resume token",
	"does not match incremental source",
}

func resumeRejected(err error) bool {
	var perr *proc.PipelineError
	if !errors.As(err, &perr) {
		return false
	}
	for _, pattern := range resumeRejectedPatterns {
		if stderrContains(perr, pattern) {
			return true
		}
	}
	return false
}

func stderrContains(perr *proc.PipelineError, substr string) bool {
	for _, stage := range perr.Stages {
		if strings.Contains(strings.ToLower(stage.Stderr), substr) {
			return true
		}
	}
	return false
}

func cancelled(ctl *Control) bool {
	return ctl != nil && ctl.Cancelled()
}

// diagnoseResumeFailure logs what both sides still hold for a rejected
// resume token so the operator can see which snapshot went away.
func (e *Engine) diagnoseResumeFailure(ctx context.Context, plan *Plan) {
	if token, err := e.clientFor(plan.Target).ResumeToken(ctx, plan.TargetDataset); err == nil && token != "" {
		e.logger.Warn().
			Str("dataset", plan.TargetDataset).
			Str("resume_token", abbreviate(token, 16)).
			Msg("Destination still holds partial receive state")
	}
	if snaps, err := e.clientFor(plan.Source).ListSnapshots(ctx, plan.SourceDataset); err == nil {
		e.logger.Warn().
			Str("dataset", plan.SourceDataset).
			Strs("newest_snapshots", lastN(snaps, 5)).
			Msg("Source snapshots at resume failure")
	}
}

// diagnoseBusyDataset logs why a receive could not grab the dataset: a
// mounted filesystem or a lingering hold are the usual suspects.
func (e *Engine) diagnoseBusyDataset(ctx context.Context, plan *Plan) {
	target := e.clientFor(plan.Target)
	logger := e.logger.With().Str("dataset", plan.TargetDataset).Logger()

	if mounted, err := target.GetProperty(ctx, plan.TargetDataset, "mounted"); err == nil {
		logger.Warn().Str("mounted", mounted).Msg("Destination dataset is busy")
	}
	snaps, err := target.ListSnapshots(ctx, plan.TargetDataset)
	if err != nil || len(snaps) == 0 {
		return
	}
	newest := plan.TargetDataset + "@" + snaps[len(snaps)-1]
	if holds, err := target.Holds(ctx, newest); err == nil && len(holds) > 0 {
		logger.Warn().
			Str("snapshot", newest).
			Strs("holds", holds).
			Msg("Holds present on newest destination snapshot")
	}
}

func lastN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func abbreviate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package replication

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zmigrate/zmigrate/pkg/config"
	"github.com/zmigrate/zmigrate/pkg/log"
	"github.com/zmigrate/zmigrate/pkg/types"
	"github.com/zmigrate/zmigrate/pkg/zfs"
)

// migrateStampLayout names snapshots minted by the planner:
// migrate-YYMMDD-HH-MMSS.
const migrateStampLayout = "060102-15-0405"

// Plan is the resolved description of one transfer, produced by
// negotiation before any data moves.
type Plan struct {
	Source *Endpoint
	Target *Endpoint

	SourceDataset string
	TargetDataset string

	Snapshot     string // full reference, the send terminal
	FromSnapshot string // incremental base, empty for a full send
	ResumeToken  string // interrupted-receive continuation, wins over both
	UpToDate     bool   // destination already holds the terminal snapshot

	Raw        bool // -w passthrough for encrypted sources
	Compressed bool // native -c stream compression
	Recursive  bool
	Force      bool

	Compressor   *Compressor // external codec, nil when unused
	RateLimit    string
	SizeEstimate int64

	CreatedSnapshot bool // the planner minted Snapshot on the source
}

func (pl *Plan) sendSpec() zfs.SendSpec {
	return zfs.SendSpec{
		Snapshot:     pl.Snapshot,
		FromSnapshot: pl.FromSnapshot,
		ResumeToken:  pl.ResumeToken,
		Raw:          pl.Raw,
		Compressed:   pl.Compressed,
		Recursive:    pl.Recursive,
	}
}

// Kind labels the plan for logs and metrics.
func (pl *Plan) Kind() string {
	switch {
	case pl.Source != nil && pl.Source.File != "":
		return "restore"
	case pl.ResumeToken != "":
		return "resume"
	case pl.UpToDate:
		return "up_to_date"
	case pl.FromSnapshot != "":
		return "incremental"
	default:
		return "full"
	}
}

// Planner negotiates what to send. It only reads dataset state; the one
// mutation it may perform, minting a migration snapshot, is explicit in
// the request and logged.
type Planner struct {
	cfg    config.ReplicationConfig
	logger zerolog.Logger

	clientFor func(*Endpoint) *zfs.Client
	now       func() time.Time
}

// NewPlanner builds a planner over the configured replication defaults.
func NewPlanner(cfg config.ReplicationConfig) *Planner {
	return &Planner{
		cfg:    cfg,
		logger: log.WithComponent("replication"),
		clientFor: func(ep *Endpoint) *zfs.Client {
			return zfs.NewClient(ep.Runner())
		},
		now: time.Now,
	}
}

// Plan resolves a migration request into a concrete transfer plan: what
// to send, from which base, and how the stream is shaped in flight.
func (p *Planner) Plan(ctx context.Context, req types.MigrationRequest) (*Plan, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	src, tgt := endpointsFor(req, p.cfg)
	plan := &Plan{
		Source:        src,
		Target:        tgt,
		SourceDataset: req.SourceDataset,
		TargetDataset: req.TargetDataset,
		Recursive:     req.Recursive,
		Force:         req.Force,
		RateLimit:     req.RateLimit,
	}
	if plan.RateLimit == "" {
		plan.RateLimit = p.cfg.RateLimit
	}

	if src.File != "" {
		return p.planRestore(plan, req)
	}

	source := p.clientFor(src)
	exists, err := source.DatasetExists(ctx, req.SourceDataset)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("source dataset %q: %w", req.SourceDataset, types.ErrNotFound)
	}

	// A leftover resume token on the destination wins over fresh
	// negotiation: the source picks up exactly where the receive stopped.
	if tgt.File == "" {
		token, err := p.clientFor(tgt).ResumeToken(ctx, req.TargetDataset)
		if err != nil && !zfs.IsNotExist(err) {
			return nil, err
		}
		if token != "" {
			plan.ResumeToken = token
			p.logger.Info().
				Str("dataset", req.TargetDataset).
				Str("peer", tgt.String()).
				Msg("Resuming interrupted receive")
			if err := p.selectCompression(ctx, plan, req, source); err != nil {
				return nil, err
			}
			p.estimate(ctx, source, plan)
			return plan, nil
		}
	}

	terminal, sourceSnaps, err := p.resolveTerminal(ctx, source, req, plan)
	if err != nil {
		return nil, err
	}
	plan.Snapshot = req.SourceDataset + "@" + terminal

	if tgt.File == "" {
		done, err := p.negotiate(ctx, plan, req, terminal, sourceSnaps)
		if err != nil {
			return nil, err
		}
		if done {
			return plan, nil
		}
	}

	p.resolveRaw(ctx, plan, req, source)
	if err := p.selectCompression(ctx, plan, req, source); err != nil {
		return nil, err
	}
	p.estimate(ctx, source, plan)
	return plan, nil
}

// resolveTerminal picks the snapshot the transfer ends at: the explicit
// one, a freshly minted migrate- snapshot, or the newest on the source.
// It returns the short name plus the source's snapshot list for base
// negotiation.
func (p *Planner) resolveTerminal(ctx context.Context, source *zfs.Client, req types.MigrationRequest, plan *Plan) (string, []string, error) {
	snaps, err := source.ListSnapshots(ctx, req.SourceDataset)
	if err != nil {
		return "", nil, err
	}

	if req.Snapshot != "" {
		ds, name := splitRef(req.Snapshot)
		if name == "" {
			name = ds
		} else if ds != req.SourceDataset {
			return "", nil, types.NewValidationError("snapshot", "%q does not belong to dataset %q", req.Snapshot, req.SourceDataset)
		}
		for _, s := range snaps {
			if s == name {
				return name, snaps, nil
			}
		}
		return "", nil, fmt.Errorf("snapshot %s@%s: %w", req.SourceDataset, name, types.ErrNotFound)
	}

	if req.CreateSnapshot {
		name := "migrate-" + p.now().Format(migrateStampLayout)
		ref := req.SourceDataset + "@" + name
		if err := source.CreateSnapshot(ctx, ref, req.Recursive); err != nil {
			return "", nil, err
		}
		plan.CreatedSnapshot = true
		p.logger.Info().Str("snapshot", ref).Msg("Created migration snapshot")
		return name, append(snaps, name), nil
	}

	if len(snaps) == 0 {
		return "", nil, types.NewValidationError("snapshot", "dataset %q has no snapshots; pass one explicitly or set create_snapshot", req.SourceDataset)
	}
	return snaps[len(snaps)-1], snaps, nil
}

// negotiate settles the incremental base against a dataset destination.
// It returns done=true when the plan is already final: the destination
// has the terminal snapshot and nothing needs to move.
func (p *Planner) negotiate(ctx context.Context, plan *Plan, req types.MigrationRequest, terminal string, sourceSnaps []string) (bool, error) {
	target := p.clientFor(plan.Target)
	exists, err := target.DatasetExists(ctx, plan.TargetDataset)
	if err != nil {
		return false, err
	}

	if !exists {
		if !req.AllowFull {
			return false, fmt.Errorf("destination dataset %q does not exist and allow_full is not set: %w",
				plan.TargetDataset, types.ErrNoCommonSnapshot)
		}
		p.logger.Info().
			Str("dataset", plan.TargetDataset).
			Str("peer", plan.Target.String()).
			Msg("Destination dataset missing, planning full send")
		return false, nil
	}

	targetSnaps, err := target.ListSnapshots(ctx, plan.TargetDataset)
	if err != nil {
		return false, err
	}

	for _, s := range targetSnaps {
		if s == terminal {
			plan.UpToDate = true
			p.logger.Info().
				Str("snapshot", plan.Snapshot).
				Str("peer", plan.Target.String()).
				Msg("Destination already has the terminal snapshot")
			return true, nil
		}
	}

	base, folded, ok := p.commonBase(sourceSnaps, targetSnaps, terminal)
	if ok {
		plan.FromSnapshot = plan.SourceDataset + "@" + base
		if folded {
			p.logger.Warn().
				Str("base", plan.FromSnapshot).
				Msg("Incremental base matched case-insensitively, using source casing")
		}
		return false, nil
	}

	if !req.AllowFull {
		return false, fmt.Errorf("datasets %q and %q share no snapshot and allow_full is not set: %w",
			plan.SourceDataset, plan.TargetDataset, types.ErrNoCommonSnapshot)
	}
	p.logger.Warn().
		Str("dataset", plan.TargetDataset).
		Bool("force", plan.Force).
		Msg("No common snapshot, planning full send over existing dataset")
	return false, nil
}

// commonBase picks the newest snapshot older than the terminal that both
// sides hold. The fallback folds case, source casing wins; some backup
// intermediaries lowercase snapshot names in transit.
func (p *Planner) commonBase(sourceSnaps, targetSnaps []string, terminal string) (base string, folded, ok bool) {
	idx := len(sourceSnaps)
	for i, s := range sourceSnaps {
		if s == terminal {
			idx = i
			break
		}
	}

	have := make(map[string]struct{}, len(targetSnaps))
	for _, s := range targetSnaps {
		have[s] = struct{}{}
	}
	for i := idx - 1; i >= 0; i-- {
		if _, found := have[sourceSnaps[i]]; found {
			return sourceSnaps[i], false, true
		}
	}

	if !p.cfg.CaseInsensitiveFallback {
		return "", false, false
	}
	foldedSet := make(map[string]struct{}, len(targetSnaps))
	for _, s := range targetSnaps {
		foldedSet[strings.ToLower(s)] = struct{}{}
	}
	for i := idx - 1; i >= 0; i-- {
		if _, found := foldedSet[strings.ToLower(sourceSnaps[i])]; found {
			return sourceSnaps[i], true, true
		}
	}
	return "", false, false
}

// planRestore shapes a stream-file replay. Nothing to negotiate: the
// stream itself names the snapshots it carries.
func (p *Planner) planRestore(plan *Plan, req types.MigrationRequest) (*Plan, error) {
	alg := strings.ToLower(req.Compression)
	switch alg {
	case "off", "none":
	case "", "auto":
		plan.Compressor = compressorForFile(plan.Source.File)
	default:
		c, err := compressorByName(alg)
		if err != nil {
			return nil, err
		}
		plan.Compressor = c
	}

	if fi, err := os.Stat(plan.Source.File); err == nil {
		plan.SizeEstimate = fi.Size()
	} else {
		return nil, fmt.Errorf("stream file %q: %w", plan.Source.File, types.ErrNotFound)
	}
	return plan, nil
}

// resolveRaw decides whether the stream must be sent raw. Encrypted
// sources always are: a cooked send would need the keys loaded on the
// destination.
func (p *Planner) resolveRaw(ctx context.Context, plan *Plan, req types.MigrationRequest, source *zfs.Client) {
	if req.Raw {
		plan.Raw = true
		return
	}
	enc, err := source.GetProperty(ctx, plan.SourceDataset, "encryption")
	if err != nil {
		return
	}
	if enc != "" && enc != "off" && enc != "-" {
		plan.Raw = true
		p.logger.Info().Str("dataset", plan.SourceDataset).Msg("Source is encrypted, sending raw stream")
	}
}

// selectCompression settles how the stream is shrunk in flight. Native
// block compression wins when both sides can do it: no extra processes
// and the blocks stay compressed end to end. Otherwise auto probes for
// an external codec, but only when the stream actually crosses a host
// boundary.
func (p *Planner) selectCompression(ctx context.Context, plan *Plan, req types.MigrationRequest, source *zfs.Client) error {
	alg := strings.ToLower(req.Compression)
	if alg == "" {
		alg = strings.ToLower(p.cfg.Compression)
	}

	switch alg {
	case "off", "none":
		return nil
	case "", "auto":
		if plan.ResumeToken == "" && p.nativeCompression(ctx, plan, source) {
			plan.Compressed = true
			return nil
		}
		if plan.Target.File != "" || (plan.Source.Local() && plan.Target.Local()) {
			return nil
		}
		plan.Compressor = p.probeCompressor(ctx, plan.Source, plan.Target)
		return nil
	default:
		c, err := compressorByName(alg)
		if err != nil {
			return err
		}
		if plan.Source.Local() && plan.Target.Local() && plan.Target.File == "" {
			p.logger.Debug().Str("compression", alg).Msg("Ignoring stream codec for an all-local transfer")
			return nil
		}
		plan.Compressor = c
		return nil
	}
}

func (p *Planner) nativeCompression(ctx context.Context, plan *Plan, source *zfs.Client) bool {
	if plan.Raw {
		return false
	}
	comp, err := source.GetProperty(ctx, plan.SourceDataset, "compression")
	if err != nil || comp == "" || comp == "off" || comp == "-" {
		return false
	}
	if !versionAtLeast(ctx, source, 2, 0) {
		return false
	}
	if plan.Target.File == "" && !versionAtLeast(ctx, p.clientFor(plan.Target), 2, 0) {
		return false
	}
	return true
}

func versionAtLeast(ctx context.Context, client *zfs.Client, wantMajor, wantMinor int) bool {
	major, minor, err := client.Version(ctx)
	if err != nil {
		return false
	}
	return major > wantMajor || (major == wantMajor && minor >= wantMinor)
}

// estimate asks the source for a dry-run stream size confidence figure.
// Failure is not fatal, the transfer just runs without a percentage.
func (p *Planner) estimate(ctx context.Context, source *zfs.Client, plan *Plan) {
	size, err := source.EstimateSendSize(ctx, plan.sendSpec())
	if err != nil {
		p.logger.Debug().Err(err).Str("snapshot", plan.Snapshot).Msg("Send size estimate unavailable")
		return
	}
	plan.SizeEstimate = size
}

// ValidateRequest checks a migration request's shape without touching
// either endpoint. The control API runs it before queueing a job so the
// caller gets a 400 instead of a failed job.
func ValidateRequest(req types.MigrationRequest) error {
	return validateRequest(req)
}

func validateRequest(req types.MigrationRequest) error {
	if req.SourceFile != "" && req.TargetFile != "" {
		return types.NewValidationError("source_file", "file-to-file transfers are not supported")
	}
	if req.SourceFile != "" && req.SourceHost != "" {
		return types.NewValidationError("source_file", "stream files must be local to this host")
	}
	if req.TargetFile != "" && req.TargetHost != "" {
		return types.NewValidationError("target_file", "stream files must be local to this host")
	}

	if req.SourceFile == "" {
		if req.SourceDataset == "" {
			return types.NewValidationError("source_dataset", "required")
		}
		if err := zfs.ValidateName(req.SourceDataset); err != nil {
			return err
		}
	}
	if req.TargetFile == "" {
		if req.TargetDataset == "" {
			return types.NewValidationError("target_dataset", "required")
		}
		if err := zfs.ValidateName(req.TargetDataset); err != nil {
			return err
		}
	}

	switch alg := strings.ToLower(req.Compression); alg {
	case "", "off", "none", "auto":
	default:
		if _, ok := compressors[alg]; !ok {
			return types.NewValidationError("compression", "unknown algorithm %q", req.Compression)
		}
	}
	return nil
}

// splitRef splits dataset@name; refs without @ come back as (ref, "").
func splitRef(ref string) (dataset, name string) {
	if i := strings.IndexByte(ref, '@'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

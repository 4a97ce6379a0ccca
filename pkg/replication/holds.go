package replication

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/zmigrate/zmigrate/pkg/zfs"
)

// holdTagPrefix marks snapshot holds owned by this tool.
const holdTagPrefix = "sync_"

// syncHolds pins the transferred snapshot on both sides and releases the
// pins left by earlier runs against the same peer. The hold keeps the
// next incremental's base from being destroyed by retention. Failures
// here are logged and swallowed; they never fail a completed transfer.
func (e *Engine) syncHolds(ctx context.Context, plan *Plan) {
	_, name := splitRef(plan.Snapshot)
	if name == "" {
		return
	}
	stamp := e.now().Unix()

	e.holdAndPrune(ctx, e.clientFor(plan.Source), plan.SourceDataset, name, stamp, plan.Target.String())
	e.holdAndPrune(ctx, e.clientFor(plan.Target), plan.TargetDataset, name, stamp, plan.Source.String())
}

// holdAndPrune places sync_<stamp>_<peer> on dataset@name, then walks
// the dataset's snapshots and releases older holds carrying the same
// peer suffix.
func (e *Engine) holdAndPrune(ctx context.Context, client *zfs.Client, dataset, name string, stamp int64, peer string) {
	suffix := "_" + sanitizeHoldTag(peer)
	tag := fmt.Sprintf("%s%d%s", holdTagPrefix, stamp, suffix)
	ref := dataset + "@" + name

	logger := e.logger.With().Str("snapshot", ref).Str("tag", tag).Logger()
	if err := client.Hold(ctx, tag, ref); err != nil {
		logger.Warn().Err(err).Msg("Failed to hold snapshot")
		return
	}
	logger.Debug().Msg("Held snapshot")

	snaps, err := client.ListSnapshots(ctx, dataset)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list snapshots for hold pruning")
		return
	}
	for _, s := range snaps {
		sref := dataset + "@" + s
		holds, err := client.Holds(ctx, sref)
		if err != nil {
			continue
		}
		for _, h := range holds {
			if h == tag || !strings.HasPrefix(h, holdTagPrefix) || !strings.HasSuffix(h, suffix) {
				continue
			}
			if err := client.Release(ctx, h, sref); err != nil {
				logger.Warn().Err(err).Str("stale_tag", h).Msg("Failed to release stale hold")
				continue
			}
			logger.Debug().Str("stale_tag", h).Str("from", sref).Msg("Released stale hold")
		}
	}
}

var holdTagSafeRe = regexp.MustCompile(`[^A-Za-z0-9_.:-]`)

// sanitizeHoldTag folds characters zfs rejects in hold tags.
func sanitizeHoldTag(peer string) string {
	return holdTagSafeRe.ReplaceAllString(peer, "-")
}

package zfs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/zmigrate/zmigrate/pkg/types"
)

// Runner executes a single command and returns its stdout. Implementations
// run locally or through a secure shell on the peer; errors carry the
// captured stderr.
type Runner interface {
	Output(ctx context.Context, argv []string) ([]byte, error)
}

// Client queries and mutates one endpoint's datasets through a Runner.
type Client struct {
	runner Runner
}

// NewClient creates a client over the given runner.
func NewClient(runner Runner) *Client {
	return &Client{runner: runner}
}

// Runner returns the underlying runner, for callers that need to probe
// the endpoint with non-zfs commands.
func (c *Client) Runner() Runner {
	return c.runner
}

// Dataset is one row of the filesystem enumeration.
type Dataset struct {
	Name       string `json:"name"`
	Used       int64  `json:"used"`
	Available  int64  `json:"available"`
	Referenced int64  `json:"referenced"`
	Mountpoint string `json:"mountpoint"`
}

// Pool is one row of the pool enumeration.
type Pool struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Allocated int64  `json:"allocated"`
	Free      int64  `json:"free"`
	Health    string `json:"health"`
}

// Volume is one row of the volume enumeration.
type Volume struct {
	Name    string `json:"name"`
	VolSize int64  `json:"volsize"`
	Used    int64  `json:"used"`
}

// Clone is a dataset with a snapshot origin.
type Clone struct {
	Name   string `json:"name"`
	Origin string `json:"origin"`
}

// IsNotExist reports whether an error from the zfs tools means the target
// dataset, snapshot, or pool does not exist.
func IsNotExist(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "no such pool")
}

// ListSnapshots returns the dataset's snapshot short names in creation
// order, oldest first. A missing dataset yields an empty list.
func (c *Client) ListSnapshots(ctx context.Context, dataset string) ([]string, error) {
	args, err := SnapshotListArgs(dataset)
	if err != nil {
		return nil, err
	}
	out, err := c.runner.Output(ctx, args)
	if err != nil {
		if IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list snapshots of %s: %w", dataset, err)
	}

	var names []string
	for _, line := range splitLines(out) {
		if i := strings.IndexByte(line, '@'); i >= 0 {
			names = append(names, line[i+1:])
		}
	}
	return names, nil
}

// SnapshotExists reports whether the full snapshot reference exists.
func (c *Client) SnapshotExists(ctx context.Context, snapshot string) (bool, error) {
	dataset, _, ok := strings.Cut(snapshot, "@")
	if !ok {
		return false, types.NewValidationError("snapshot", "missing @ in %q", snapshot)
	}
	names, err := c.ListSnapshots(ctx, dataset)
	if err != nil {
		return false, err
	}
	want := snapshot[len(dataset)+1:]
	for _, n := range names {
		if n == want {
			return true, nil
		}
	}
	return false, nil
}

// CreateSnapshot creates a snapshot, recursively when asked.
func (c *Client) CreateSnapshot(ctx context.Context, snapshot string, recursive bool) error {
	args, err := SnapshotCreateArgs(snapshot, recursive)
	if err != nil {
		return err
	}
	if _, err := c.runner.Output(ctx, args); err != nil {
		return fmt.Errorf("failed to create snapshot %s: %w", snapshot, err)
	}
	return nil
}

// Destroy removes a dataset, snapshot, or bookmark reference.
func (c *Client) Destroy(ctx context.Context, ref string, recursive, force bool) error {
	args, err := DestroyDatasetArgs(ref, recursive, force)
	if err != nil {
		return err
	}
	if _, err := c.runner.Output(ctx, args); err != nil {
		if IsNotExist(err) {
			return fmt.Errorf("%s: %w", ref, types.ErrNotFound)
		}
		return fmt.Errorf("failed to destroy %s: %w", ref, err)
	}
	return nil
}

// GetProperty returns a single property value; "-" means unset.
func (c *Client) GetProperty(ctx context.Context, ref, property string) (string, error) {
	args, err := GetPropertyArgs(ref, property)
	if err != nil {
		return "", err
	}
	out, err := c.runner.Output(ctx, args)
	if err != nil {
		if IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", ref, types.ErrNotFound)
		}
		return "", fmt.Errorf("failed to get %s of %s: %w", property, ref, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// SetProperty sets one property.
func (c *Client) SetProperty(ctx context.Context, ref, property, value string) error {
	args, err := SetPropertyArgs(ref, property, value)
	if err != nil {
		return err
	}
	if _, err := c.runner.Output(ctx, args); err != nil {
		if IsNotExist(err) {
			return fmt.Errorf("%s: %w", ref, types.ErrNotFound)
		}
		return fmt.Errorf("failed to set %s on %s: %w", property, ref, err)
	}
	return nil
}

// ResumeToken returns the dataset's receive resume token, or "" when the
// dataset has none (or does not exist yet).
func (c *Client) ResumeToken(ctx context.Context, dataset string) (string, error) {
	value, err := c.GetProperty(ctx, dataset, "receive_resume_token")
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	if value == "-" {
		return "", nil
	}
	return value, nil
}

// AbortReceive discards the destination's partial resumable receive
// state, clearing its resume token. Aborting a dataset that holds no
// partial state is not an error.
func (c *Client) AbortReceive(ctx context.Context, dataset string) error {
	args, err := ReceiveAbortArgs(dataset)
	if err != nil {
		return err
	}
	if _, err := c.runner.Output(ctx, args); err != nil {
		if IsNotExist(err) || strings.Contains(err.Error(), "does not have any resumable") {
			return nil
		}
		return fmt.Errorf("failed to abort receive on %s: %w", dataset, err)
	}
	return nil
}

// DatasetExists reports whether the dataset is present.
func (c *Client) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	_, err := c.GetProperty(ctx, dataset, "type")
	if err == nil {
		return true, nil
	}
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// CreateDataset creates a filesystem with optional properties.
func (c *Client) CreateDataset(ctx context.Context, name string, parents bool, props map[string]string) error {
	args, err := CreateDatasetArgs(name, parents, props)
	if err != nil {
		return err
	}
	if _, err := c.runner.Output(ctx, args); err != nil {
		return fmt.Errorf("failed to create dataset %s: %w", name, err)
	}
	return nil
}

// ListDatasets enumerates filesystems under root.
func (c *Client) ListDatasets(ctx context.Context, root string, recursive bool) ([]Dataset, error) {
	args, err := ListDatasetsArgs(root, recursive)
	if err != nil {
		return nil, err
	}
	out, err := c.runner.Output(ctx, args)
	if err != nil {
		if IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", root, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}

	var datasets []Dataset
	for _, line := range splitLines(out) {
		fields := strings.Split(line, "\t")
		if len(fields) < 5 {
			continue
		}
		datasets = append(datasets, Dataset{
			Name:       fields[0],
			Used:       parseInt(fields[1]),
			Available:  parseInt(fields[2]),
			Referenced: parseInt(fields[3]),
			Mountpoint: fields[4],
		})
	}
	return datasets, nil
}

// Rollback rolls a dataset back to a snapshot.
func (c *Client) Rollback(ctx context.Context, snapshot string, destroyLater bool) error {
	args, err := RollbackArgs(snapshot, destroyLater)
	if err != nil {
		return err
	}
	if _, err := c.runner.Output(ctx, args); err != nil {
		if IsNotExist(err) {
			return fmt.Errorf("%s: %w", snapshot, types.ErrNotFound)
		}
		return fmt.Errorf("failed to rollback to %s: %w", snapshot, err)
	}
	return nil
}

// Hold places a named hold on a snapshot.
func (c *Client) Hold(ctx context.Context, tag, snapshot string) error {
	args, err := HoldArgs(tag, snapshot)
	if err != nil {
		return err
	}
	if _, err := c.runner.Output(ctx, args); err != nil {
		// A duplicate hold tag is not a failure.
		if strings.Contains(err.Error(), "tag already exists") {
			return nil
		}
		return fmt.Errorf("failed to hold %s on %s: %w", tag, snapshot, err)
	}
	return nil
}

// Release removes a named hold from a snapshot.
func (c *Client) Release(ctx context.Context, tag, snapshot string) error {
	args, err := ReleaseArgs(tag, snapshot)
	if err != nil {
		return err
	}
	if _, err := c.runner.Output(ctx, args); err != nil {
		return fmt.Errorf("failed to release %s on %s: %w", tag, snapshot, err)
	}
	return nil
}

// Holds returns the hold tags present on a snapshot.
func (c *Client) Holds(ctx context.Context, snapshot string) ([]string, error) {
	args, err := HoldsArgs(snapshot)
	if err != nil {
		return nil, err
	}
	out, err := c.runner.Output(ctx, args)
	if err != nil {
		if IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list holds on %s: %w", snapshot, err)
	}

	var tags []string
	for _, line := range splitLines(out) {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			tags = append(tags, fields[1])
		}
	}
	return tags, nil
}

// CreateBookmark creates a bookmark from a snapshot.
func (c *Client) CreateBookmark(ctx context.Context, snapshot, bookmark string) error {
	args, err := BookmarkCreateArgs(snapshot, bookmark)
	if err != nil {
		return err
	}
	if _, err := c.runner.Output(ctx, args); err != nil {
		return fmt.Errorf("failed to bookmark %s: %w", snapshot, err)
	}
	return nil
}

// ListBookmarks returns the dataset's bookmark short names.
func (c *Client) ListBookmarks(ctx context.Context, dataset string) ([]string, error) {
	args, err := BookmarkListArgs(dataset)
	if err != nil {
		return nil, err
	}
	out, err := c.runner.Output(ctx, args)
	if err != nil {
		if IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list bookmarks of %s: %w", dataset, err)
	}

	var names []string
	for _, line := range splitLines(out) {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			names = append(names, line[i+1:])
		}
	}
	return names, nil
}

// CreateVolume creates a volume of the given size.
func (c *Client) CreateVolume(ctx context.Context, name, size string, sparse bool) error {
	args, err := VolumeCreateArgs(name, size, sparse)
	if err != nil {
		return err
	}
	if _, err := c.runner.Output(ctx, args); err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return nil
}

// ListVolumes enumerates volumes.
func (c *Client) ListVolumes(ctx context.Context) ([]Volume, error) {
	out, err := c.runner.Output(ctx, VolumeListArgs())
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}

	var volumes []Volume
	for _, line := range splitLines(out) {
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			continue
		}
		volumes = append(volumes, Volume{
			Name:    fields[0],
			VolSize: parseInt(fields[1]),
			Used:    parseInt(fields[2]),
		})
	}
	return volumes, nil
}

// CreateClone clones a snapshot into a new dataset.
func (c *Client) CreateClone(ctx context.Context, snapshot, target string, parents bool) error {
	args, err := CloneCreateArgs(snapshot, target, parents)
	if err != nil {
		return err
	}
	if _, err := c.runner.Output(ctx, args); err != nil {
		return fmt.Errorf("failed to clone %s: %w", snapshot, err)
	}
	return nil
}

// ListClones enumerates datasets whose origin is a snapshot.
func (c *Client) ListClones(ctx context.Context) ([]Clone, error) {
	out, err := c.runner.Output(ctx, CloneListArgs())
	if err != nil {
		return nil, fmt.Errorf("failed to list clones: %w", err)
	}

	var clones []Clone
	for _, line := range splitLines(out) {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 || fields[1] == "-" {
			continue
		}
		clones = append(clones, Clone{Name: fields[0], Origin: fields[1]})
	}
	return clones, nil
}

// ListPools enumerates pools.
func (c *Client) ListPools(ctx context.Context) ([]Pool, error) {
	out, err := c.runner.Output(ctx, PoolListArgs())
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}

	var pools []Pool
	for _, line := range splitLines(out) {
		fields := strings.Split(line, "\t")
		if len(fields) < 5 {
			continue
		}
		pools = append(pools, Pool{
			Name:      fields[0],
			Size:      parseInt(fields[1]),
			Allocated: parseInt(fields[2]),
			Free:      parseInt(fields[3]),
			Health:    fields[4],
		})
	}
	return pools, nil
}

// PoolStatus returns the raw status report for one pool.
func (c *Client) PoolStatus(ctx context.Context, pool string) (string, error) {
	args, err := PoolStatusArgs(pool)
	if err != nil {
		return "", err
	}
	out, err := c.runner.Output(ctx, args)
	if err != nil {
		if IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", pool, types.ErrNotFound)
		}
		return "", fmt.Errorf("failed to get status of %s: %w", pool, err)
	}
	return string(out), nil
}

// ScrubStart starts a scrub.
func (c *Client) ScrubStart(ctx context.Context, pool string) error {
	args, err := ScrubStartArgs(pool)
	if err != nil {
		return err
	}
	if _, err := c.runner.Output(ctx, args); err != nil {
		return fmt.Errorf("failed to start scrub on %s: %w", pool, err)
	}
	return nil
}

// ScrubStop cancels a running scrub.
func (c *Client) ScrubStop(ctx context.Context, pool string) error {
	args, err := ScrubStopArgs(pool)
	if err != nil {
		return err
	}
	if _, err := c.runner.Output(ctx, args); err != nil {
		return fmt.Errorf("failed to stop scrub on %s: %w", pool, err)
	}
	return nil
}

// ImportPool imports a pool.
func (c *Client) ImportPool(ctx context.Context, pool string, force bool) error {
	args, err := PoolImportArgs(pool, force)
	if err != nil {
		return err
	}
	if _, err := c.runner.Output(ctx, args); err != nil {
		return fmt.Errorf("failed to import pool %s: %w", pool, err)
	}
	return nil
}

// ExportPool exports a pool.
func (c *Client) ExportPool(ctx context.Context, pool string, force bool) error {
	args, err := PoolExportArgs(pool, force)
	if err != nil {
		return err
	}
	if _, err := c.runner.Output(ctx, args); err != nil {
		return fmt.Errorf("failed to export pool %s: %w", pool, err)
	}
	return nil
}

var versionRe = regexp.MustCompile(`zfs-(?:kmod-)?(\d+)\.(\d+)`)

// Version returns the endpoint's userland major.minor version. Very old
// installations without a version subcommand report 0.0.
func (c *Client) Version(ctx context.Context) (major, minor int, err error) {
	out, err := c.runner.Output(ctx, VersionArgs())
	if err != nil {
		return 0, 0, nil
	}
	m := versionRe.FindSubmatch(out)
	if m == nil {
		return 0, 0, nil
	}
	major, _ = strconv.Atoi(string(m[1]))
	minor, _ = strconv.Atoi(string(m[2]))
	return major, minor, nil
}

var estimateRe = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*([KMGTP]?)i?B?\s*$`)

// EstimateSendSize runs the dry-run send and parses the size estimate
// from its final line.
func (c *Client) EstimateSendSize(ctx context.Context, spec SendSpec) (int64, error) {
	args, err := SendEstimateArgs(spec)
	if err != nil {
		return 0, err
	}
	out, err := c.runner.Output(ctx, args)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate send size: %w", err)
	}
	return ParseEstimate(out)
}

// ParseEstimate extracts the byte count from the last line of a dry-run
// send report ("total estimated size is 12.4M").
func ParseEstimate(out []byte) (int64, error) {
	lines := splitLines(out)
	if len(lines) == 0 {
		return 0, fmt.Errorf("empty estimate output")
	}
	last := lines[len(lines)-1]
	m := estimateRe.FindStringSubmatch(last)
	if m == nil {
		return 0, fmt.Errorf("unparseable estimate line %q", last)
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable estimate line %q", last)
	}
	switch m[2] {
	case "K":
		value *= 1 << 10
	case "M":
		value *= 1 << 20
	case "G":
		value *= 1 << 30
	case "T":
		value *= 1 << 40
	case "P":
		value *= 1 << 50
	}
	return int64(value), nil
}

func splitLines(out []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}

package zfs

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/zmigrate/zmigrate/pkg/types"
)

// Every zfs/zpool invocation in the system is built here. Builders are
// pure: they produce argument vectors and never touch the filesystem.

var (
	datasetRe  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-.:%/]*$`)
	snapnameRe = regexp.MustCompile(`^[A-Za-z0-9_\-.:%]+$`)
)

// ValidateName checks a dataset, snapshot, or bookmark reference against
// the character set the zfs tools accept. Snapshot references carry one
// '@', bookmark references one '#'.
func ValidateName(ref string) error {
	if ref == "" {
		return types.NewValidationError("name", "empty reference")
	}
	dataset := ref
	if i := strings.IndexAny(ref, "@#"); i >= 0 {
		dataset = ref[:i]
		if !snapnameRe.MatchString(ref[i+1:]) {
			return types.NewValidationError("name", "malformed reference %q", ref)
		}
	}
	if !datasetRe.MatchString(dataset) {
		return types.NewValidationError("name", "malformed reference %q", ref)
	}
	return nil
}

func sortedPairs(props map[string]string) []string {
	if len(props) == 0 {
		return nil
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, props[k]))
	}
	return out
}

// SendSpec describes a zfs send invocation.
type SendSpec struct {
	Snapshot     string // full reference dataset@name
	FromSnapshot string // full reference, enables incremental
	ResumeToken  string // takes precedence over snapshots
	Raw          bool   // -w, encrypted-stream passthrough
	Compressed   bool   // -c, block-level compressed stream
	Recursive    bool   // -R
}

func (s SendSpec) validate() error {
	if s.ResumeToken != "" {
		if s.Snapshot != "" || s.FromSnapshot != "" {
			return types.NewValidationError("send", "resume token and explicit snapshots are mutually exclusive")
		}
		return nil
	}
	if s.Snapshot == "" {
		return types.NewValidationError("send", "snapshot required without a resume token")
	}
	if err := ValidateName(s.Snapshot); err != nil {
		return err
	}
	if s.FromSnapshot != "" {
		if err := ValidateName(s.FromSnapshot); err != nil {
			return err
		}
	}
	return nil
}

// SendArgs builds the argument vector for zfs send. A resume token takes
// precedence over everything else; send resumes exactly where the
// destination stopped.
func SendArgs(s SendSpec) ([]string, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	if s.ResumeToken != "" {
		return []string{"zfs", "send", "-t", s.ResumeToken}, nil
	}

	args := []string{"zfs", "send"}
	if s.Raw {
		args = append(args, "-w")
	}
	if s.Compressed {
		args = append(args, "-c")
	}
	if s.Recursive {
		args = append(args, "-R")
	}
	if s.FromSnapshot != "" {
		args = append(args, "-I", s.FromSnapshot)
	}
	return append(args, s.Snapshot), nil
}

// SendEstimateArgs builds the dry-run form whose output carries the
// stream size estimate.
func SendEstimateArgs(s SendSpec) ([]string, error) {
	args, err := SendArgs(s)
	if err != nil {
		return nil, err
	}
	// -nv goes right after "send" so the token form stays intact.
	out := make([]string, 0, len(args)+1)
	out = append(out, args[:2]...)
	out = append(out, "-nv")
	return append(out, args[2:]...), nil
}

// ReceiveSpec describes a zfs receive invocation.
type ReceiveSpec struct {
	Dataset   string
	Force     bool // -F, roll back to the most recent snapshot first
	Resumable bool // -s, keep partial state and produce a resume token
}

// ReceiveArgs builds the argument vector for zfs receive.
func ReceiveArgs(r ReceiveSpec) ([]string, error) {
	if r.Dataset == "" {
		return nil, types.NewValidationError("receive", "dataset required")
	}
	if err := ValidateName(r.Dataset); err != nil {
		return nil, err
	}
	args := []string{"zfs", "receive"}
	if r.Force {
		args = append(args, "-F")
	}
	if r.Resumable {
		args = append(args, "-s")
	}
	return append(args, r.Dataset), nil
}

// ReceiveAbortArgs builds zfs receive -A, which discards the partial
// resumable state a destination holds for a dataset.
func ReceiveAbortArgs(dataset string) ([]string, error) {
	if dataset == "" {
		return nil, types.NewValidationError("receive", "dataset required")
	}
	if err := ValidateName(dataset); err != nil {
		return nil, err
	}
	return []string{"zfs", "receive", "-A", dataset}, nil
}

// Dataset operations.

// CreateDatasetArgs builds zfs create with -p and any properties.
func CreateDatasetArgs(name string, parents bool, props map[string]string) ([]string, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	args := []string{"zfs", "create"}
	if parents {
		args = append(args, "-p")
	}
	for _, kv := range sortedPairs(props) {
		args = append(args, "-o", kv)
	}
	return append(args, name), nil
}

// DestroyDatasetArgs builds zfs destroy for a dataset, snapshot, or
// bookmark reference.
func DestroyDatasetArgs(ref string, recursive, force bool) ([]string, error) {
	if err := ValidateName(ref); err != nil {
		return nil, err
	}
	args := []string{"zfs", "destroy"}
	if recursive {
		args = append(args, "-r")
	}
	if force {
		args = append(args, "-f")
	}
	return append(args, ref), nil
}

// ListDatasetsArgs builds zfs list for filesystems with machine-readable
// columns. An empty root lists everything.
func ListDatasetsArgs(root string, recursive bool) ([]string, error) {
	args := []string{"zfs", "list", "-H", "-p", "-o", "name,used,available,referenced,mountpoint", "-t", "filesystem"}
	if recursive {
		args = append(args, "-r")
	}
	if root != "" {
		if err := ValidateName(root); err != nil {
			return nil, err
		}
		args = append(args, root)
	}
	return args, nil
}

// GetPropertyArgs builds zfs get for a single property value.
func GetPropertyArgs(ref, property string) ([]string, error) {
	if err := ValidateName(ref); err != nil {
		return nil, err
	}
	return []string{"zfs", "get", "-H", "-p", "-o", "value", property, ref}, nil
}

// SetPropertyArgs builds zfs set.
func SetPropertyArgs(ref, property, value string) ([]string, error) {
	if err := ValidateName(ref); err != nil {
		return nil, err
	}
	return []string{"zfs", "set", fmt.Sprintf("%s=%s", property, value), ref}, nil
}

// MountArgs builds zfs mount.
func MountArgs(dataset string) ([]string, error) {
	if err := ValidateName(dataset); err != nil {
		return nil, err
	}
	return []string{"zfs", "mount", dataset}, nil
}

// RenameArgs builds zfs rename.
func RenameArgs(from, to string) ([]string, error) {
	if err := ValidateName(from); err != nil {
		return nil, err
	}
	if err := ValidateName(to); err != nil {
		return nil, err
	}
	return []string{"zfs", "rename", from, to}, nil
}

// PromoteArgs builds zfs promote for a cloned dataset.
func PromoteArgs(dataset string) ([]string, error) {
	if err := ValidateName(dataset); err != nil {
		return nil, err
	}
	return []string{"zfs", "promote", dataset}, nil
}

// Snapshot operations.

// SnapshotCreateArgs builds zfs snapshot.
func SnapshotCreateArgs(snapshot string, recursive bool) ([]string, error) {
	if err := ValidateName(snapshot); err != nil {
		return nil, err
	}
	args := []string{"zfs", "snapshot"}
	if recursive {
		args = append(args, "-r")
	}
	return append(args, snapshot), nil
}

// SnapshotListArgs builds the snapshot enumeration for one dataset,
// oldest first.
func SnapshotListArgs(dataset string) ([]string, error) {
	if err := ValidateName(dataset); err != nil {
		return nil, err
	}
	return []string{"zfs", "list", "-H", "-o", "name", "-s", "creation", "-d", "1", "-t", "snapshot", dataset}, nil
}

// RollbackArgs builds zfs rollback.
func RollbackArgs(snapshot string, destroyLater bool) ([]string, error) {
	if err := ValidateName(snapshot); err != nil {
		return nil, err
	}
	args := []string{"zfs", "rollback"}
	if destroyLater {
		args = append(args, "-r")
	}
	return append(args, snapshot), nil
}

// HoldArgs builds zfs hold.
func HoldArgs(tag, snapshot string) ([]string, error) {
	if tag == "" {
		return nil, types.NewValidationError("hold", "tag required")
	}
	if err := ValidateName(snapshot); err != nil {
		return nil, err
	}
	return []string{"zfs", "hold", tag, snapshot}, nil
}

// ReleaseArgs builds zfs release.
func ReleaseArgs(tag, snapshot string) ([]string, error) {
	if tag == "" {
		return nil, types.NewValidationError("release", "tag required")
	}
	if err := ValidateName(snapshot); err != nil {
		return nil, err
	}
	return []string{"zfs", "release", tag, snapshot}, nil
}

// HoldsArgs builds zfs holds for one snapshot.
func HoldsArgs(snapshot string) ([]string, error) {
	if err := ValidateName(snapshot); err != nil {
		return nil, err
	}
	return []string{"zfs", "holds", "-H", snapshot}, nil
}

// DiffArgs builds zfs diff between a snapshot and a later snapshot or the
// live dataset.
func DiffArgs(snapshot, against string) ([]string, error) {
	if err := ValidateName(snapshot); err != nil {
		return nil, err
	}
	args := []string{"zfs", "diff", "-H", snapshot}
	if against != "" {
		if err := ValidateName(against); err != nil {
			return nil, err
		}
		args = append(args, against)
	}
	return args, nil
}

// Bookmark operations.

// BookmarkCreateArgs builds zfs bookmark from a snapshot reference.
func BookmarkCreateArgs(snapshot, bookmark string) ([]string, error) {
	if err := ValidateName(snapshot); err != nil {
		return nil, err
	}
	if err := ValidateName(bookmark); err != nil {
		return nil, err
	}
	return []string{"zfs", "bookmark", snapshot, bookmark}, nil
}

// BookmarkListArgs builds the bookmark enumeration for one dataset.
func BookmarkListArgs(dataset string) ([]string, error) {
	if err := ValidateName(dataset); err != nil {
		return nil, err
	}
	return []string{"zfs", "list", "-H", "-o", "name", "-d", "1", "-t", "bookmark", dataset}, nil
}

// Volume operations.

// VolumeCreateArgs builds zfs create -V.
func VolumeCreateArgs(name, size string, sparse bool) ([]string, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if size == "" {
		return nil, types.NewValidationError("volume", "size required")
	}
	args := []string{"zfs", "create"}
	if sparse {
		args = append(args, "-s")
	}
	return append(args, "-V", size, name), nil
}

// VolumeListArgs builds the volume enumeration.
func VolumeListArgs() []string {
	return []string{"zfs", "list", "-H", "-p", "-o", "name,volsize,used", "-t", "volume"}
}

// Clone operations.

// CloneCreateArgs builds zfs clone.
func CloneCreateArgs(snapshot, target string, parents bool) ([]string, error) {
	if err := ValidateName(snapshot); err != nil {
		return nil, err
	}
	if err := ValidateName(target); err != nil {
		return nil, err
	}
	args := []string{"zfs", "clone"}
	if parents {
		args = append(args, "-p")
	}
	return append(args, snapshot, target), nil
}

// CloneListArgs enumerates datasets with their origin; callers filter
// origin != "-" to find clones.
func CloneListArgs() []string {
	return []string{"zfs", "list", "-H", "-p", "-o", "name,origin", "-t", "filesystem,volume"}
}

// Pool operations.

// PoolListArgs builds zpool list with machine-readable columns.
func PoolListArgs() []string {
	return []string{"zpool", "list", "-H", "-p", "-o", "name,size,allocated,free,health"}
}

// PoolGetArgs builds zpool get for a single property value.
func PoolGetArgs(pool, property string) ([]string, error) {
	if err := ValidateName(pool); err != nil {
		return nil, err
	}
	return []string{"zpool", "get", "-H", "-p", "-o", "value", property, pool}, nil
}

// PoolSetArgs builds zpool set.
func PoolSetArgs(pool, property, value string) ([]string, error) {
	if err := ValidateName(pool); err != nil {
		return nil, err
	}
	return []string{"zpool", "set", fmt.Sprintf("%s=%s", property, value), pool}, nil
}

// ScrubStartArgs builds zpool scrub.
func ScrubStartArgs(pool string) ([]string, error) {
	if err := ValidateName(pool); err != nil {
		return nil, err
	}
	return []string{"zpool", "scrub", pool}, nil
}

// ScrubStopArgs builds zpool scrub -s.
func ScrubStopArgs(pool string) ([]string, error) {
	if err := ValidateName(pool); err != nil {
		return nil, err
	}
	return []string{"zpool", "scrub", "-s", pool}, nil
}

// PoolStatusArgs builds zpool status.
func PoolStatusArgs(pool string) ([]string, error) {
	if err := ValidateName(pool); err != nil {
		return nil, err
	}
	return []string{"zpool", "status", "-v", pool}, nil
}

// PoolImportArgs builds zpool import.
func PoolImportArgs(pool string, force bool) ([]string, error) {
	if err := ValidateName(pool); err != nil {
		return nil, err
	}
	args := []string{"zpool", "import"}
	if force {
		args = append(args, "-f")
	}
	return append(args, pool), nil
}

// PoolExportArgs builds zpool export.
func PoolExportArgs(pool string, force bool) ([]string, error) {
	if err := ValidateName(pool); err != nil {
		return nil, err
	}
	args := []string{"zpool", "export"}
	if force {
		args = append(args, "-f")
	}
	return append(args, pool), nil
}

// VersionArgs builds the userland version query.
func VersionArgs() []string {
	return []string{"zfs", "version"}
}

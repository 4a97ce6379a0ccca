/*
Package zfs builds zfs/zpool argument vectors and queries endpoints.

Every tool invocation in the system flows through the builders in this
package; nothing else constructs zfs argument vectors. Builders are pure
functions from typed specs to argv slices and reject impossible flag
combinations before anything is spawned: a resume token excludes explicit
snapshots, incremental sends need both references, and every name is
checked against the character set the tools accept.

The Client runs those vectors through a Runner. A Runner is one endpoint's
command transport: the local machine or a peer reached over a secure
shell. Query results (snapshot lists, properties, pool health, version,
size estimates) are parsed from the machine-readable -H -p output forms.

# Send Flag Derivation

	raw        -w   encrypted-stream passthrough, derived from the
	                dataset's encryption property when not explicit
	compressed -c   block-level compressed stream, derived from the
	                compression property or the native-compression policy
	recursive  -R   replicate the whole subtree
	resume     -t   takes precedence over all snapshot arguments

# Usage

	args, err := zfs.SendArgs(zfs.SendSpec{
		Snapshot:     "tank/data@s2",
		FromSnapshot: "tank/data@s1",
		Compressed:   true,
	})
	// args: zfs send -c -I tank/data@s1 tank/data@s2

	client := zfs.NewClient(runner)
	names, err := client.ListSnapshots(ctx, "tank/data")
	token, err := client.ResumeToken(ctx, "backup/data")

# Integration Points

  - pkg/replication: plans transfers from snapshot lists, resume tokens,
    properties, and size estimates
  - pkg/proc: provides the local Runner implementation
  - pkg/api: exposes the pass-through dataset/snapshot/pool operations
*/
package zfs

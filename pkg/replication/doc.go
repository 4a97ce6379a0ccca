// Package replication plans and executes snapshot transfers between
// datasets, hosts, and stream files.
//
// A transfer has two phases. Planning inspects both endpoints and
// settles what moves, in strict precedence order:
//
//	resume token on the destination    -> send -t <token>
//	destination has terminal snapshot  -> up to date, nothing to do
//	newest common snapshot             -> incremental -I base terminal
//	no common snapshot + allow_full    -> full send
//	otherwise                          -> ErrNoCommonSnapshot
//
// Execution shapes the plan into a process pipeline and hands it to
// proc:
//
//	zfs send -I a b | pv | zstd -c | ssh host 'zstd -d -c | zfs receive -s tank/ds'
//	                  |
//	                  stderr -> progress.Parser -> job progress
//
// The meter sits directly after the send so its byte counts line up
// with the dry-run size estimate, taken before any codec shrinks the
// stream. Remote endpoints get their stages wrapped in ssh, with codec
// and zfs joined into one far-side shell pipeline so the narrow hop
// carries compressed bytes.
//
// Cancellation is cooperative: Control.Cancel tears the pipeline down
// by process group, the engine reports Cancelled instead of an error,
// and the resumable receive leaves a token behind so the next run picks
// up where this one stopped.
package replication

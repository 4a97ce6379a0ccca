/*
Package jobs runs background jobs from a Redis-backed queue.

A job is created in pending, pushed onto a shared list, and picked up
by one of a bounded pool of workers. Workers block on the queue with a
one-second timeout so they stay responsive to shutdown. Exactly one
worker owns a running job; status only moves forward along

	pending -> running -> completed | failed | cancelled

and the persistence layer refuses regressions.

# Record Layout

	job:<id>      field-wise hash {id, type, status, created_at,
	              started_at, completed_at, error, result, progress,
	              params}, TTL seven days
	jobs:queue    list of pending job ids, pushed right, popped left

Progress updates replace the progress field atomically and are
best-effort; the terminal state is written with its own deadline so a
dying request context cannot lose it.

# Cancellation

Cancel resolves the running job's pipeline control and signals the
process group; the job stays running until the children exit, then the
worker records cancelled. Cancel is idempotent, and a job that finished
with the cancellation marker in the last five seconds still counts as a
successful cancel: the user's intent was satisfied before the signal
landed.
*/
package jobs

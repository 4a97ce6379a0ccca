/*
Package proc spawns and supervises the command pipelines that move
snapshot streams.

A replication is a chain of cooperating processes wired stdout to stdin,
exactly as a shell would build it:

	zfs send --> pv --> zstd --> ssh target "zfs receive"
	    |        |
	    |        `-- stderr: progress records
	    `-- stderr: tool diagnostics (bounded capture)

The package keeps that model honest under failure:

  - every stage runs in its own process group, so terminating a stage
    also reaches anything it forked (ssh control children, shells)
  - the parent closes its pipe ends as soon as the chain is running,
    so a dying stage propagates EOF/EPIPE to its neighbours instead of
    leaving them wedged
  - stages share fate: the first non-zero exit signals the surviving
    groups, covering siblings that EOF/EPIPE alone would not reach
  - stderr is captured per stage with a tail-biased 64 KiB bound, and a
    live writer can be attached to any stage for progress parsing
  - Terminate delivers SIGTERM to each group, grants five seconds, then
    SIGKILLs the rest; a stage killed by signal N reports exit code -N

Exec covers the one-shot case (zfs list, property queries, version
probes) and is what the Local runner is built on.
*/
package proc

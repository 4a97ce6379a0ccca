/*
Package progress parses pipe meter output into structured transfer
records.

The replication pipelines interpose pv between zfs send and the
transport, and pv reports on stderr with carriage-return redraws:

	142MiB 0:00:05 [28.4MiB/s] [==>        ] 12% ETA 0:00:35

The Parser is an io.Writer attached to that stage's stderr. It splits
redraws, scales binary units to byte counts, derives a percentage from
the size estimate when the meter was not told the stream size, and
suppresses consecutive duplicates so the job record is only touched when
something actually changed. Meter output that is not a progress line is
surfaced through a callback so tool warnings still reach the log.
*/
package progress

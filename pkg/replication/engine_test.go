package replication

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmigrate/zmigrate/pkg/config"
	"github.com/zmigrate/zmigrate/pkg/proc"
	"github.com/zmigrate/zmigrate/pkg/progress"
	"github.com/zmigrate/zmigrate/pkg/types"
	"github.com/zmigrate/zmigrate/pkg/zfs"
)

// pvStub passes the stream through and emits one meter line, the shape
// pv writes with -b -t -r -p enabled.
const pvStub = `cat
printf '22B 0:00:01 [ 22B/s] [==>        ] 42%%\n' >&2`

func testEngine(cfg config.ReplicationConfig, runners map[string]*fakeRunner) *Engine {
	e := NewEngine(cfg)
	e.clientFor = func(ep *Endpoint) *zfs.Client {
		if r, ok := runners[ep.Host]; ok {
			return zfs.NewClient(r)
		}
		return zfs.NewClient(&fakeRunner{})
	}
	e.planner.clientFor = e.clientFor
	e.now = func() time.Time { return plannerClock }
	e.planner.now = e.now
	return e
}

func TestEngineRunIncremental(t *testing.T) {
	dir := t.TempDir()
	recvOut := filepath.Join(dir, "received")
	writeStub(t, dir, "zfs", `case "$1" in
send) printf 'streambytes-0123456789' ;;
receive) cat > "$ZFS_RECV_OUT" ;;
*) exit 1 ;;
esac`)
	writeStub(t, dir, "pv", pvStub)
	stubPath(t, dir)
	t.Setenv("ZFS_RECV_OUT", recvOut)

	cfg := config.Default().Replication
	cfg.SyncHolds = false
	run := localFixture()
	e := testEngine(cfg, map[string]*fakeRunner{"": run})

	var recs []types.Progress
	result, err := e.Run(context.Background(), types.MigrationRequest{
		SourceDataset: srcDataset,
		TargetDataset: dstDataset,
	}, nil, func(rec types.Progress) {
		recs = append(recs, rec)
	})
	require.NoError(t, err)

	assert.Equal(t, "transfer completed", result.Message)
	assert.Equal(t, "tank/data@s3", result.Snapshot)
	assert.EqualValues(t, 22, result.BytesTransferred)
	assert.False(t, result.Cancelled)
	assert.Zero(t, result.ReturnCode)

	data, err := os.ReadFile(recvOut)
	require.NoError(t, err)
	assert.Equal(t, "streambytes-0123456789", string(data))

	require.NotEmpty(t, recs)
	assert.EqualValues(t, 22, recs[len(recs)-1].BytesTransferred)
}

func TestEngineRunUpToDate(t *testing.T) {
	run := localFixture()
	run.out[listKey(dstDataset)] = snapList(dstDataset, "s1", "s2", "s3")
	e := testEngine(config.Default().Replication, map[string]*fakeRunner{"": run})

	result, err := e.Run(context.Background(), types.MigrationRequest{
		SourceDataset: srcDataset,
		TargetDataset: dstDataset,
	}, nil, nil)
	require.NoError(t, err)

	assert.True(t, result.UpToDate)
	assert.Equal(t, "tank/data@s3", result.Snapshot)
	assert.Zero(t, result.BytesTransferred)
}

func TestEngineCancel(t *testing.T) {
	dir := t.TempDir()
	writeStub(t, dir, "zfs", `case "$1" in
send) sleep 30 ;;
receive) cat > /dev/null ;;
esac`)
	writeStub(t, dir, "pv", "cat")
	stubPath(t, dir)

	cfg := config.Default().Replication
	cfg.SyncHolds = false
	e := testEngine(cfg, map[string]*fakeRunner{"": localFixture()})

	ctl := &Control{}
	timer := time.AfterFunc(300*time.Millisecond, ctl.Cancel)
	defer timer.Stop()

	start := time.Now()
	result, err := e.Run(context.Background(), types.MigrationRequest{
		SourceDataset: srcDataset,
		TargetDataset: dstDataset,
	}, ctl, nil)
	require.NoError(t, err)

	assert.True(t, result.Cancelled)
	assert.Equal(t, -15, result.ReturnCode)
	assert.Equal(t, "transfer cancelled", result.Message)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestEngineFailureDiagnosesBusy(t *testing.T) {
	dir := t.TempDir()
	writeStub(t, dir, "zfs", `case "$1" in
send) printf 'streambytes-0123456789' ;;
receive) cat > /dev/null
	echo "cannot receive new filesystem stream: dataset is busy" >&2
	exit 1 ;;
esac`)
	writeStub(t, dir, "pv", pvStub)
	stubPath(t, dir)

	cfg := config.Default().Replication
	cfg.SyncHolds = false
	run := localFixture()
	run.out[getKey("mounted", dstDataset)] = "yes"
	run.out["zfs holds -H tank/backup@s2"] = "tank/backup@s2\tkeep\tFri Mar 14 15:09 2025"
	e := testEngine(cfg, map[string]*fakeRunner{"": run})

	result, err := e.Run(context.Background(), types.MigrationRequest{
		SourceDataset: srcDataset,
		TargetDataset: dstDataset,
	}, nil, nil)
	require.Error(t, err)

	var perr *proc.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Stderr(), "dataset is busy")
	require.NotNil(t, result)
	assert.Equal(t, 1, result.ReturnCode)
	assert.True(t, run.called(getKey("mounted", dstDataset)), "busy failures are diagnosed")
}

func TestEngineResumeRetry(t *testing.T) {
	dir := t.TempDir()
	recvOut := filepath.Join(dir, "received")
	writeStub(t, dir, "zfs", `case "$1" in
send)
	if [ "$2" = "-t" ]; then
		echo "cannot resume send: 'tank/data@s1' used in the incremental send stream no longer exists" >&2
		exit 1
	fi
	printf 'streambytes-0123456789'
	;;
receive) cat > "$ZFS_RECV_OUT" ;;
esac`)
	writeStub(t, dir, "pv", pvStub)
	stubPath(t, dir)
	t.Setenv("ZFS_RECV_OUT", recvOut)

	resumeKey := getKey("receive_resume_token", dstDataset)
	run := localFixture()
	run.out[listKey(dstDataset)] = snapList(dstDataset, "s1")
	run.out[resumeKey] = "-"
	run.seq = map[string][]string{
		// First plan and the post-failure diagnostics both see the stale
		// token; after the abort the property reads unset again.
		resumeKey: {"1-abcdef-e8", "1-abcdef-e8"},
	}
	run.out["zfs receive -A tank/backup"] = ""
	run.out["zfs send -nv -t 1-abcdef-e8"] = "total estimated size is 12M"
	run.out["zfs send -nv -I tank/data@s1 tank/data@s3"] = "total estimated size is 30M"

	cfg := config.Default().Replication
	cfg.SyncHolds = false
	e := testEngine(cfg, map[string]*fakeRunner{"": run})

	result, err := e.Run(context.Background(), types.MigrationRequest{
		SourceDataset: srcDataset,
		TargetDataset: dstDataset,
	}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "transfer completed", result.Message)
	assert.Equal(t, "tank/data@s3", result.Snapshot)
	assert.True(t, run.called("zfs receive -A tank/backup"), "stale state must be aborted before the retry")

	data, err := os.ReadFile(recvOut)
	require.NoError(t, err)
	assert.Equal(t, "streambytes-0123456789", string(data))
}

func TestEngineResumeRetryDisabled(t *testing.T) {
	dir := t.TempDir()
	writeStub(t, dir, "zfs", `case "$1" in
send)
	echo "cannot resume send: 'tank/data@s1' used in the incremental send stream no longer exists" >&2
	exit 1
	;;
receive) cat > /dev/null ;;
esac`)
	writeStub(t, dir, "pv", "cat")
	stubPath(t, dir)

	run := localFixture()
	run.out[getKey("receive_resume_token", dstDataset)] = "1-abcdef-e8"

	cfg := config.Default().Replication
	cfg.SyncHolds = false
	cfg.RetryResumeAsIncremental = false
	e := testEngine(cfg, map[string]*fakeRunner{"": run})

	_, err := e.Run(context.Background(), types.MigrationRequest{
		SourceDataset: srcDataset,
		TargetDataset: dstDataset,
	}, nil, nil)
	require.Error(t, err)
	assert.False(t, run.called("zfs receive -A tank/backup"))
}

func TestEngineDumpToFile(t *testing.T) {
	dir := t.TempDir()
	dump := filepath.Join(dir, "data.zfs")
	writeStub(t, dir, "zfs", `case "$1" in
send) printf 'streambytes-0123456789' ;;
esac`)
	writeStub(t, dir, "pv", pvStub)
	stubPath(t, dir)

	run := localFixture()
	run.out["zfs send -nv tank/data@s3"] = "total estimated size is 100M"
	e := testEngine(config.Default().Replication, map[string]*fakeRunner{"": run})

	result, err := e.Run(context.Background(), types.MigrationRequest{
		SourceDataset: srcDataset,
		TargetFile:    dump,
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "transfer completed", result.Message)

	data, err := os.ReadFile(dump)
	require.NoError(t, err)
	assert.Equal(t, "streambytes-0123456789", string(data))
}

func TestEngineRestoreFromFile(t *testing.T) {
	dir := t.TempDir()
	stream := filepath.Join(dir, "backup.zfs")
	recvOut := filepath.Join(dir, "received")
	require.NoError(t, os.WriteFile(stream, []byte("rawzfsstream"), 0o600))
	writeStub(t, dir, "zfs", `case "$1" in
receive) cat > "$ZFS_RECV_OUT" ;;
esac`)
	writeStub(t, dir, "pv", pvStub)
	stubPath(t, dir)
	t.Setenv("ZFS_RECV_OUT", recvOut)

	cfg := config.Default().Replication
	cfg.SyncHolds = false
	e := testEngine(cfg, map[string]*fakeRunner{"": localFixture()})

	result, err := e.Run(context.Background(), types.MigrationRequest{
		SourceFile:    stream,
		TargetDataset: dstDataset,
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "transfer completed", result.Message)
	assert.Empty(t, result.Snapshot)

	data, err := os.ReadFile(recvOut)
	require.NoError(t, err)
	assert.Equal(t, "rawzfsstream", string(data))
}

func TestBuildPipelineShapes(t *testing.T) {
	e := NewEngine(config.Default().Replication)
	parser := progress.NewParser(nil, nil)
	zstd := compressors["zstd"]

	local := &Endpoint{}
	remote := &Endpoint{Host: "backup.example.com", user: "root", port: 22, options: []string{"BatchMode=yes"}}
	meterPlain := []string{"pv", "-p", "-t", "-e", "-r", "-b", "-W", "-f", "-i", "1"}

	t.Run("local to local", func(t *testing.T) {
		plan := &Plan{
			Source: local, Target: local,
			SourceDataset: srcDataset, TargetDataset: dstDataset,
			Snapshot: "tank/data@s3", FromSnapshot: "tank/data@s2",
		}
		p, cleanup, err := e.buildPipeline(plan, parser)
		defer cleanup()
		require.NoError(t, err)

		require.Len(t, p.Commands, 3)
		assert.Equal(t, []string{"zfs", "send", "-I", "tank/data@s2", "tank/data@s3"}, p.Commands[0].Argv)
		assert.Equal(t, meterPlain, p.Commands[1].Argv)
		assert.NotNil(t, p.Commands[1].Stderr)
		assert.Equal(t, []string{"zfs", "receive", "-s", "tank/backup"}, p.Commands[2].Argv)
	})

	t.Run("local to remote with codec", func(t *testing.T) {
		plan := &Plan{
			Source: local, Target: remote,
			SourceDataset: srcDataset, TargetDataset: dstDataset,
			Snapshot: "tank/data@s3", Compressor: &zstd,
			RateLimit: "10M", SizeEstimate: 2048, Force: true,
		}
		p, cleanup, err := e.buildPipeline(plan, parser)
		defer cleanup()
		require.NoError(t, err)

		require.Len(t, p.Commands, 4)
		assert.Equal(t, []string{"zfs", "send", "tank/data@s3"}, p.Commands[0].Argv)
		assert.Equal(t, append(meterPlain, "-L", "10M", "-s", "2048"), p.Commands[1].Argv)
		assert.Equal(t, []string{"zstd", "-c"}, p.Commands[2].Argv)
		assert.Equal(t, []string{
			"ssh", "-o", "BatchMode=yes", "root@backup.example.com",
			"zstd -d -c | zfs receive -F -s tank/backup",
		}, p.Commands[3].Argv)
	})

	t.Run("remote to local with codec", func(t *testing.T) {
		plan := &Plan{
			Source: remote, Target: local,
			SourceDataset: srcDataset, TargetDataset: dstDataset,
			Snapshot: "tank/data@s3", Compressor: &zstd,
		}
		p, cleanup, err := e.buildPipeline(plan, parser)
		defer cleanup()
		require.NoError(t, err)

		require.Len(t, p.Commands, 4)
		assert.Equal(t, []string{
			"ssh", "-o", "BatchMode=yes", "root@backup.example.com",
			"zfs send tank/data@s3 | zstd -c",
		}, p.Commands[0].Argv)
		assert.Equal(t, meterPlain, p.Commands[1].Argv)
		assert.Equal(t, []string{"zstd", "-d", "-c"}, p.Commands[2].Argv)
		assert.Equal(t, []string{"zfs", "receive", "-s", "tank/backup"}, p.Commands[3].Argv)
	})

	t.Run("dump to file", func(t *testing.T) {
		plan := &Plan{
			Source: local, Target: &Endpoint{File: filepath.Join(t.TempDir(), "out.zfs")},
			SourceDataset: srcDataset,
			Snapshot:      "tank/data@s3",
		}
		p, cleanup, err := e.buildPipeline(plan, parser)
		defer cleanup()
		require.NoError(t, err)

		require.Len(t, p.Commands, 2)
		assert.Equal(t, []string{"zfs", "send", "tank/data@s3"}, p.Commands[0].Argv)
		assert.Equal(t, meterPlain, p.Commands[1].Argv)
		assert.NotNil(t, p.Stdout)
	})

	t.Run("restore from file with codec", func(t *testing.T) {
		stream := filepath.Join(t.TempDir(), "backup.zst")
		require.NoError(t, os.WriteFile(stream, []byte("x"), 0o600))
		plan := &Plan{
			Source: &Endpoint{File: stream}, Target: local,
			TargetDataset: dstDataset, Compressor: &zstd,
		}
		p, cleanup, err := e.buildPipeline(plan, parser)
		defer cleanup()
		require.NoError(t, err)

		require.Len(t, p.Commands, 3)
		assert.NotNil(t, p.Stdin)
		assert.Equal(t, meterPlain, p.Commands[0].Argv)
		assert.Equal(t, []string{"zstd", "-d", "-c"}, p.Commands[1].Argv)
		assert.Equal(t, []string{"zfs", "receive", "-s", "tank/backup"}, p.Commands[2].Argv)
	})
}

func TestMeterArgs(t *testing.T) {
	e := NewEngine(config.Default().Replication)

	assert.Equal(t,
		[]string{"pv", "-p", "-t", "-e", "-r", "-b", "-W", "-f", "-i", "1"},
		e.meterArgs(&Plan{}))
	assert.Equal(t,
		[]string{"pv", "-p", "-t", "-e", "-r", "-b", "-W", "-f", "-i", "1", "-L", "10M", "-s", "2048"},
		e.meterArgs(&Plan{RateLimit: "10M", SizeEstimate: 2048}))
}

func TestSyncHolds(t *testing.T) {
	tag := "sync_1741964966_local"
	stale := "sync_1700000000_local"
	run := &fakeRunner{out: map[string]string{
		"zfs hold " + tag + " tank/data@s3":   "",
		"zfs hold " + tag + " tank/backup@s3": "",
		listKey(srcDataset):                   snapList(srcDataset, "s1", "s3"),
		listKey(dstDataset):                   snapList(dstDataset, "s3"),
		"zfs holds -H tank/data@s1": "tank/data@s1\t" + stale + "\tWed Nov 15 00:00 2023\n" +
			"tank/data@s1\tkeep\tWed Nov 15 00:00 2023",
		"zfs holds -H tank/data@s3":                  "tank/data@s3\t" + tag + "\tFri Mar 14 15:09 2025",
		"zfs holds -H tank/backup@s3":                "tank/backup@s3\t" + tag + "\tFri Mar 14 15:09 2025",
		"zfs release " + stale + " tank/data@s1":     "",
	}}

	e := testEngine(config.Default().Replication, map[string]*fakeRunner{"": run})
	plan := &Plan{
		Source: &Endpoint{}, Target: &Endpoint{},
		SourceDataset: srcDataset, TargetDataset: dstDataset,
		Snapshot: "tank/data@s3",
	}
	e.syncHolds(context.Background(), plan)

	assert.True(t, run.called("zfs hold "+tag+" tank/data@s3"))
	assert.True(t, run.called("zfs hold "+tag+" tank/backup@s3"))
	assert.True(t, run.called("zfs release "+stale+" tank/data@s1"), "older hold for the same peer is released")
	assert.False(t, run.called("zfs release keep tank/data@s1"), "foreign holds are left alone")
}

func TestResumeRejected(t *testing.T) {
	rejected := &proc.PipelineError{Stages: []proc.StageResult{{
		Argv:   []string{"zfs", "send", "-t", "1-abc"},
		Code:   1,
		Stderr: "cannot resume send: 'tank/data@s1' used in the incremental send stream no longer exists",
	}}}
	assert.True(t, resumeRejected(rejected))

	plain := &proc.PipelineError{Stages: []proc.StageResult{{
		Argv:   []string{"zfs", "receive"},
		Code:   1,
		Stderr: "cannot receive: pool suspended",
	}}}
	assert.False(t, resumeRejected(plain))
	assert.False(t, resumeRejected(errors.New("not a pipeline error")))
}

func TestControl(t *testing.T) {
	ctl := &Control{}
	assert.False(t, ctl.Cancelled())
	ctl.Cancel()
	assert.True(t, ctl.Cancelled())
	// Idempotent.
	ctl.Cancel()
	assert.True(t, ctl.Cancelled())
}

package proc

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineSingleStage(t *testing.T) {
	var out bytes.Buffer
	p := &Pipeline{
		Commands: []Command{{Argv: []string{"/bin/sh", "-c", "printf hello"}}},
		Stdout:   &out,
	}

	h, err := p.Start()
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, "hello", out.String())

	results := h.Results()
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Code)
}

func TestPipelineChainsStdout(t *testing.T) {
	var out bytes.Buffer
	p := &Pipeline{
		Commands: []Command{
			{Argv: []string{"/bin/sh", "-c", "printf 'one two'"}},
			{Argv: []string{"cat"}},
			{Argv: []string{"tr", "a-z", "A-Z"}},
		},
		Stdout: &out,
	}

	h, err := p.Start()
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, "ONE TWO", out.String())
}

func TestPipelineStdinFeed(t *testing.T) {
	var out bytes.Buffer
	p := &Pipeline{
		Commands: []Command{{Argv: []string{"cat"}}, {Argv: []string{"cat"}}},
		Stdin:    strings.NewReader("stream payload"),
		Stdout:   &out,
	}

	h, err := p.Start()
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, "stream payload", out.String())
}

func TestPipelineStageFailure(t *testing.T) {
	p := &Pipeline{
		Commands: []Command{
			{Argv: []string{"/bin/sh", "-c", "printf data"}},
			{Argv: []string{"/bin/sh", "-c", "cat >/dev/null; echo boom >&2; exit 3"}},
		},
	}

	h, err := p.Start()
	require.NoError(t, err)

	err = h.Wait(context.Background())
	require.Error(t, err)

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	require.Len(t, perr.Stages, 1)
	assert.Equal(t, 3, perr.Stages[0].Code)
	assert.Contains(t, perr.Stages[0].Stderr, "boom")
	assert.False(t, perr.Cancelled())
	assert.Contains(t, perr.Stderr(), "boom")

	// The healthy stage is still visible in the full results.
	results := h.Results()
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].Code)
}

func TestPipelineFateSharing(t *testing.T) {
	// The first stage never writes, so no pipe error can reach it; only
	// the teardown triggered by its sibling's failure frees it.
	p := &Pipeline{
		Commands: []Command{
			{Argv: []string{"/bin/sh", "-c", "sleep 30"}},
			{Argv: []string{"/bin/sh", "-c", "echo doomed >&2; exit 3"}},
		},
	}

	h, err := p.Start()
	require.NoError(t, err)

	start := time.Now()
	err = h.Wait(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, perr.Code())
	assert.False(t, perr.Cancelled())

	codes := make(map[int]int)
	for _, s := range perr.Stages {
		codes[s.Code]++
	}
	assert.Equal(t, 1, codes[3])
	assert.Equal(t, 1, codes[-15], "the stalled stage is signalled, not waited out")
}

func TestPipelineTerminate(t *testing.T) {
	p := &Pipeline{
		Commands: []Command{{Argv: []string{"sleep", "30"}}},
	}

	h, err := p.Start()
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.Terminate()
	}()

	start := time.Now()
	err = h.Wait(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Cancelled())
	assert.Equal(t, -15, perr.Stages[0].Code)
}

func TestPipelineWaitHonorsContext(t *testing.T) {
	p := &Pipeline{
		Commands: []Command{{Argv: []string{"sleep", "30"}}, {Argv: []string{"cat"}}},
	}

	h, err := p.Start()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = h.Wait(ctx)
	require.Error(t, err)

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Cancelled(), "stages should report SIGTERM exits, got %v", perr.Stages)
}

func TestPipelineStderrTailBiased(t *testing.T) {
	script := `head -c 200000 /dev/zero | tr '\0' x >&2; echo END >&2; exit 1`
	p := &Pipeline{
		Commands: []Command{{Argv: []string{"/bin/sh", "-c", script}}},
	}

	h, err := p.Start()
	require.NoError(t, err)
	require.Error(t, h.Wait(context.Background()))

	captured := h.Stderr(0)
	assert.LessOrEqual(t, len(captured), stderrCap)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(captured), "END"),
		"capture should keep the tail of stderr")
}

func TestPipelineLiveStderrWriter(t *testing.T) {
	var live bytes.Buffer
	p := &Pipeline{
		Commands: []Command{{
			Argv:   []string{"/bin/sh", "-c", "echo progress-line >&2"},
			Stderr: &live,
		}},
	}

	h, err := p.Start()
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))

	assert.Contains(t, live.String(), "progress-line")
	assert.Contains(t, h.Stderr(0), "progress-line")
}

func TestPipelineSpawnError(t *testing.T) {
	p := &Pipeline{
		Commands: []Command{
			{Argv: []string{"/bin/sh", "-c", "sleep 30"}},
			{Argv: []string{"/nonexistent/no-such-binary"}},
		},
	}

	start := time.Now()
	_, err := p.Start()
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second,
		"partial spawn cleanup should kill the started stages")

	var serr *SpawnError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "/nonexistent/no-such-binary", serr.Argv[0])
}

func TestPipelineEmpty(t *testing.T) {
	_, err := (&Pipeline{}).Start()
	require.Error(t, err)
}

func TestExec(t *testing.T) {
	t.Run("captures stdout", func(t *testing.T) {
		out, err := Exec(context.Background(), []string{"/bin/sh", "-c", "printf ok"})
		require.NoError(t, err)
		assert.Equal(t, "ok", string(out))
	})

	t.Run("non-zero exit", func(t *testing.T) {
		_, err := Exec(context.Background(), []string{"/bin/sh", "-c", "echo nope >&2; exit 7"})
		require.Error(t, err)

		var cerr *CommandError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, 7, cerr.Code)
		assert.Contains(t, cerr.Stderr, "nope")
	})

	t.Run("missing binary", func(t *testing.T) {
		_, err := Exec(context.Background(), []string{"/nonexistent/no-such-binary"})
		require.Error(t, err)

		var serr *SpawnError
		require.ErrorAs(t, err, &serr)
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := Exec(ctx, []string{"sleep", "30"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)

	_, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", b.String())

	_, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", b.String())

	_, err = b.Write([]byte("XY"))
	require.NoError(t, err)
	assert.Equal(t, "cdefghXY", b.String())

	_, err = b.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, "89abcdef", b.String())
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, -1, exitCode(errors.New("not an exit error")))
}

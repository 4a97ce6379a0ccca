package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// stderrCap bounds how much stderr is retained per stage. The capture is
// tail-biased: when a child is chatty the last bytes are the ones kept,
// which is where the tools put the actual failure.
const stderrCap = 64 * 1024

// terminateGrace is how long Terminate waits between SIGTERM and SIGKILL.
const terminateGrace = 5 * time.Second

// Command is one stage of a Pipeline.
type Command struct {
	// Argv is the full argument vector, Argv[0] being the executable.
	Argv []string

	// Stderr, when set, receives the stage's stderr as it is written,
	// in addition to the bounded capture kept for error reporting.
	// Progress meters hook their parser in here.
	Stderr io.Writer
}

// Pipeline connects commands stdout to stdin, left to right. Stdin feeds
// the first stage and Stdout receives what the last stage emits; either
// may be nil, in which case the end is connected to the null device.
type Pipeline struct {
	Commands []Command
	Stdin    io.Reader
	Stdout   io.Writer
}

// Start spawns every stage. Each child runs in its own process group so
// that a later Terminate reaches grandchildren too. On a partial spawn
// the already-started stages are killed before the error is returned.
func (p *Pipeline) Start() (*Handle, error) {
	if len(p.Commands) == 0 {
		return nil, fmt.Errorf("pipeline has no commands")
	}

	h := &Handle{done: make(chan struct{})}

	cmds := make([]*exec.Cmd, len(p.Commands))
	for i, c := range p.Commands {
		if len(c.Argv) == 0 {
			return nil, fmt.Errorf("pipeline stage %d has an empty argv", i)
		}
		cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		capture := newTailBuffer(stderrCap)
		if c.Stderr != nil {
			cmd.Stderr = io.MultiWriter(capture, c.Stderr)
		} else {
			cmd.Stderr = capture
		}

		cmds[i] = cmd
		h.argv = append(h.argv, c.Argv)
		h.capture = append(h.capture, capture)
	}

	cmds[0].Stdin = p.Stdin
	cmds[len(cmds)-1].Stdout = p.Stdout

	// The parent holds both ends of every inter-stage pipe until all
	// children are running, then closes its copies so EOF propagates
	// from stage to stage.
	var parentEnds []*os.File
	closeParentEnds := func() {
		for _, f := range parentEnds {
			f.Close()
		}
	}
	for i := 0; i < len(cmds)-1; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closeParentEnds()
			return nil, fmt.Errorf("failed to create pipe: %w", err)
		}
		cmds[i].Stdout = w
		cmds[i+1].Stdin = r
		parentEnds = append(parentEnds, r, w)
	}

	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			for _, started := range cmds[:i] {
				_ = syscall.Kill(-started.Process.Pid, syscall.SIGKILL)
			}
			closeParentEnds()
			for _, started := range cmds[:i] {
				_ = started.Wait()
			}
			return nil, &SpawnError{Argv: p.Commands[i].Argv, Err: err}
		}
	}
	closeParentEnds()

	h.cmds = cmds
	go h.reap()
	return h, nil
}

// Handle tracks a started pipeline until every stage has been reaped.
type Handle struct {
	cmds     []*exec.Cmd
	argv     [][]string
	capture  []*tailBuffer
	done     chan struct{}
	termOnce sync.Once
	fateOnce sync.Once

	mu      sync.Mutex
	results []StageResult
}

// reap waits for every stage and records the outcomes. Stages are
// reaped concurrently and share fate: the first non-zero exit signals
// the survivors, so a stalled sibling cannot hold the pipeline open
// after its peer already failed.
func (h *Handle) reap() {
	results := make([]StageResult, len(h.cmds))
	var wg sync.WaitGroup
	for i, cmd := range h.cmds {
		i, cmd := i, cmd
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cmd.Wait()
			results[i] = StageResult{
				Argv:   h.argv[i],
				Code:   exitCode(err),
				Stderr: h.capture[i].String(),
			}
			if results[i].Code != 0 {
				h.fateOnce.Do(func() { h.signal(syscall.SIGTERM) })
			}
		}()
	}
	wg.Wait()
	h.mu.Lock()
	h.results = results
	h.mu.Unlock()
	close(h.done)
}

// Wait blocks until every stage has exited. If ctx is cancelled first the
// pipeline is terminated and Wait still blocks for the final outcome, so
// no child is ever left unreaped. A nil return means every stage exited
// zero; otherwise the error is a *PipelineError.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
	case <-ctx.Done():
		h.Terminate()
		<-h.done
	}
	return h.err()
}

// Done is closed once every stage has been reaped. Callers that poll
// progress select on it alongside their ticker.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Terminate asks every stage to exit with SIGTERM, grants a five second
// grace, then SIGKILLs whatever is left. Safe to call more than once and
// concurrently with Wait.
func (h *Handle) Terminate() {
	h.termOnce.Do(func() {
		h.signal(syscall.SIGTERM)
		select {
		case <-h.done:
		case <-time.After(terminateGrace):
			h.signal(syscall.SIGKILL)
		}
	})
}

// signal delivers sig to each stage's process group. Stages that already
// exited are gone from the process table and the kill is a no-op.
func (h *Handle) signal(sig syscall.Signal) {
	for _, cmd := range h.cmds {
		if cmd.Process == nil {
			continue
		}
		_ = syscall.Kill(-cmd.Process.Pid, sig)
	}
}

// Results returns the per-stage outcomes. Only valid after Wait returned
// or Done was closed.
func (h *Handle) Results() []StageResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]StageResult(nil), h.results...)
}

// Stderr returns what stage i has written to stderr so far, bounded to
// the most recent 64 KiB. Safe to call while the pipeline is running.
func (h *Handle) Stderr(i int) string {
	return h.capture[i].String()
}

func (h *Handle) err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var failed []StageResult
	for _, r := range h.results {
		if r.Code != 0 {
			failed = append(failed, r)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &PipelineError{Stages: failed}
}

// exitCode maps a Wait error to a shell-style status. A stage killed by
// signal N reports -N so callers can tell a deliberate SIGTERM teardown
// from a real failure.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -int(ws.Signal())
		}
		return ee.ExitCode()
	}
	return -1
}

// tailBuffer keeps the last cap bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(p) >= b.max {
		b.buf = append(b.buf[:0], p[len(p)-b.max:]...)
		return len(p), nil
	}
	if overflow := len(b.buf) + len(p) - b.max; overflow > 0 {
		b.buf = b.buf[:copy(b.buf, b.buf[overflow:])]
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// Exec runs a single command to completion and returns its stdout. A
// non-zero exit comes back as a *CommandError carrying the captured
// stderr; a command that could not be started at all is a *SpawnError.
// Cancelling ctx kills the child's whole process group.
func Exec(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout bytes.Buffer
	stderr := newTailBuffer(stderrCap)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	var ee *exec.ExitError
	switch {
	case err == nil:
		return stdout.Bytes(), nil
	case errors.As(err, &ee):
		return stdout.Bytes(), &CommandError{
			Argv:   argv,
			Code:   exitCode(err),
			Stderr: stderr.String(),
		}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Run prefers the context error when the child died from the
		// cancel kill. Pass it through untouched so callers can match
		// on the context package sentinels.
		return stdout.Bytes(), err
	default:
		return nil, &SpawnError{Argv: argv, Err: err}
	}
}

// Local executes argument vectors on this host. It is the command
// transport handed to zfs.NewClient for the machine the daemon runs on.
type Local struct{}

// Output implements the single-command runner contract.
func (Local) Output(ctx context.Context, argv []string) ([]byte, error) {
	return Exec(ctx, argv)
}

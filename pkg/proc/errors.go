package proc

import (
	"fmt"
	"strings"
)

// SpawnError reports that a pipeline stage could not be started at all,
// usually because the executable is missing.
type SpawnError struct {
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Argv[0], e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// StageResult is the outcome of one pipeline stage. Code is the exit
// status; a stage killed by signal N reports -N.
type StageResult struct {
	Argv   []string
	Code   int
	Stderr string
}

// PipelineError carries every non-zero stage outcome together with the
// captured stderr.
type PipelineError struct {
	Stages []StageResult
}

func (e *PipelineError) Error() string {
	parts := make([]string, 0, len(e.Stages))
	for _, s := range e.Stages {
		msg := fmt.Sprintf("%s exited %d", s.Argv[0], s.Code)
		if stderr := strings.TrimSpace(s.Stderr); stderr != "" {
			msg += ": " + stderr
		}
		parts = append(parts, msg)
	}
	return "pipeline failed: " + strings.Join(parts, "; ")
}

// Code returns the exit status that identifies the failure: the first
// stage that exited non-zero on its own, or the first signal death when
// none did.
func (e *PipelineError) Code() int {
	for _, s := range e.Stages {
		if s.Code > 0 {
			return s.Code
		}
	}
	return e.Stages[0].Code
}

// Cancelled reports whether every failing stage died from SIGTERM, the
// signature of a deliberate teardown.
func (e *PipelineError) Cancelled() bool {
	for _, s := range e.Stages {
		if s.Code != -15 {
			return false
		}
	}
	return len(e.Stages) > 0
}

// Stderr returns the first non-empty captured stderr, which is usually
// the interesting one.
func (e *PipelineError) Stderr() string {
	for _, s := range e.Stages {
		if strings.TrimSpace(s.Stderr) != "" {
			return s.Stderr
		}
	}
	return ""
}

// CommandError reports a single command run through Exec that exited
// non-zero. The message includes stderr so callers can classify tool
// failures.
type CommandError struct {
	Argv   []string
	Code   int
	Stderr string
}

func (e *CommandError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("%s exited %d", e.Argv[0], e.Code)
	}
	return fmt.Sprintf("%s exited %d: %s", e.Argv[0], e.Code, stderr)
}

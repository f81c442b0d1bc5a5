package shell

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
	"unicode/utf8"

	"shellgate/internal/domain"
)

// epilogueAllowance is extra stdout room for the marker and directory lines.
const epilogueAllowance = 4096

// RunSpec describes one command launch.
type RunSpec struct {
	Command   string
	Cwd       string
	Timeout   time.Duration // 0 = no limit
	MaxOutput int           // per stream, 0 = unlimited
	Env       []string      // nil inherits the gateway's environment
}

// Outcome is what a finished (or killed) command left behind.
type Outcome struct {
	Stdout      string
	Stderr      string
	ExitCode    int
	Duration    time.Duration
	FinalDir    string // only set when DirReported
	DirReported bool
	TimedOut    bool
	Canceled    bool
	Truncated   bool
}

// Run executes spec.Command through a in its own process group. A non-zero
// exit is not an error; only a failure to launch the shell is, and it wraps
// domain.ErrSpawnFailed. When ctx is cancelled the process group is killed
// and the outcome is marked Canceled; when spec.Timeout elapses it is marked
// TimedOut with exit code 124.
func Run(ctx context.Context, a Adapter, spec RunSpec) (*Outcome, error) {
	marker := NewMarker()
	script := a.Wrap(spec.Command, spec.Cwd, marker)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	}
	defer cancel()

	stdoutLimit := 0
	if spec.MaxOutput > 0 {
		stdoutLimit = spec.MaxOutput + len(marker) + epilogueAllowance
	}
	stdout := newCapture(stdoutLimit)
	stderr := newCapture(spec.MaxOutput)

	cmd := a.Command(runCtx, script)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	setupProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrSpawnFailed, a.Binary(), err)
	}
	pid := cmd.Process.Pid
	waitErr := cmd.Wait()
	// reap anything the command left running in its group
	_ = killGroup(pid)

	out := &Outcome{Duration: time.Since(start)}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	case cmd.ProcessState != nil:
		// exec.ErrWaitDelay and friends: the process itself has exited
		out.ExitCode = cmd.ProcessState.ExitCode()
	default:
		out.ExitCode = -1
	}

	switch {
	case ctx.Err() != nil:
		out.Canceled = true
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		out.TimedOut = true
		out.ExitCode = domain.TimeoutExitCode
	}

	raw := stdout.String()
	output, dir, ok := ParseMarker(raw, marker)
	if !ok && stdout.Truncated() {
		_, dir, ok = ParseMarker(stdout.Tail(), marker)
		output = trimPartialMarker(raw, marker)
	}
	if ok && !out.TimedOut && !out.Canceled {
		out.FinalDir = dir
		out.DirReported = dir != ""
	}

	if spec.MaxOutput > 0 && len(output) > spec.MaxOutput {
		output = cutUTF8(output, spec.MaxOutput)
		out.Truncated = true
	}
	out.Truncated = out.Truncated || stderr.Truncated()
	out.Stdout = output
	out.Stderr = stderr.String()
	return out, nil
}

// cutUTF8 shortens s to at most n bytes without splitting a rune.
func cutUTF8(s string, n int) string {
	for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

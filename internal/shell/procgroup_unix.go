//go:build unix

package shell

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// processGroupWaitDelay bounds how long Wait keeps reading pipes held open by
// grandchildren after the shell itself has exited or been killed.
const processGroupWaitDelay = 3 * time.Second

// setupProcessGroup starts cmd in its own session so cancellation can kill
// every process it spawned, not just the shell.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return os.ErrProcessDone
		}
		return killGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = processGroupWaitDelay
}

// killGroup sends SIGKILL to the process group led by pid.
func killGroup(pid int) error {
	// kill(-1) and kill(0) would hit far more than the command
	if pid <= 1 {
		return os.ErrProcessDone
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}

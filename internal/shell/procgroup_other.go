//go:build !unix

package shell

import (
	"os"
	"os/exec"
	"time"
)

const processGroupWaitDelay = 3 * time.Second

// setupProcessGroup falls back to killing the shell process only.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return os.ErrProcessDone
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = processGroupWaitDelay
}

func killGroup(int) error { return nil }

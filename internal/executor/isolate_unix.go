//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// isolate puts the child in its own process group so the whole tree is
// killed on cancellation, not just the direct child.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

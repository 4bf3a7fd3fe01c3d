//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// killProcessGroup makes cancellation kill the script and its children,
// so a compose call spawned by the script does not outlive the timeout.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

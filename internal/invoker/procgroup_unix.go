//go:build unix

// ABOUTME: Puts the agent CLI in its own process group on unix systems
// ABOUTME: so a timeout kill reaches every child it spawned

package invoker

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the agent in its own process group so the
// timeout kill also reaches any helpers it spawned.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
}

//go:build unix

package tools

import (
	"os/exec"
	"syscall"
)

// setProcessGroup はキャンセル時にプロセスグループごと kill する
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

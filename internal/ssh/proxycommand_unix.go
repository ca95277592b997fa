//go:build !windows

package ssh

import (
	"os/exec"
	"syscall"
)

func configureProxyProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProxyProcess signals the process group led by the proxy shell.
func killProxyProcess(cmd *exec.Cmd) {
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

//go:build windows

package ssh

import (
	"os/exec"
	"syscall"
)

func configureProxyProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

func killProxyProcess(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}

//go:build windows

package gateway

import (
	"os/exec"
	"syscall"
)

const createNewProcessGroup = 0x00000200

func configure(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// terminate kills outright; console children have no graceful signal.
func terminate(a *attempt) error { return a.cmd.Process.Kill() }

func forceKill(a *attempt) error { return a.cmd.Process.Kill() }

//go:build !windows

package gateway

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/loykin/gatekeeper/internal/procinfo"
)

// configure puts the child in its own process group so signals reach
// everything it spawns.
func configure(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(a *attempt) error { return signalGroup(a, syscall.SIGTERM) }

func forceKill(a *attempt) error { return signalGroup(a, syscall.SIGKILL) }

func signalGroup(a *attempt, sig syscall.Signal) error {
	if !procinfo.Same(a.pid, a.startUnix) {
		return fmt.Errorf("pid %d no longer belongs to the gateway", a.pid)
	}
	err := syscall.Kill(-a.pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// group already gone; the leader may still need the signal
		err = a.cmd.Process.Signal(sig)
	}
	return err
}

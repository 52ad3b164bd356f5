//go:build !windows

package runtime

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureProcessGroup puts the child into its own process group so the
// whole tree can be signalled at once.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

func killGroup(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil || pgid <= 0 {
		// Group already gone, signal the process directly.
		return syscall.Kill(pid, sig)
	}
	return syscall.Kill(-pgid, sig)
}

// processAlive reports whether pid still exists. EPERM means the process
// exists but belongs to someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

//go:build !windows

package runner

import "syscall"

// sysProcAttr puts the child in its own process group so a timeout or cancel
// can signal the tool together with everything it spawned.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

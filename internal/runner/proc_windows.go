//go:build windows

package runner

import (
	"os"
	"syscall"
)

// sysProcAttr returns no special attributes on Windows; there is no process
// group equivalent worth emulating here.
func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// signalGroup kills just the process. Children may survive; acceptable on a
// platform this engine only supports for development.
func signalGroup(pid int, _ syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

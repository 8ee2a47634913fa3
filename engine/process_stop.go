//go:build !windows

package engine

import "syscall"

// terminateProcess sends the graceful-termination signal: the platform
// equivalent of SIGTERM.
func (p *Process) terminateProcess() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

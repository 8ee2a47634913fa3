//go:build windows

package engine

import (
	"fmt"
	"os/exec"
)

// terminateProcess has no SIGTERM equivalent on Windows; taskkill without
// /f asks the process to close before Stop escalates to Process.Kill.
func (p *Process) terminateProcess() error {
	pid := fmt.Sprintf("%d", p.cmd.Process.Pid)
	return exec.Command("taskkill", "/t", "/pid", pid).Run()
}

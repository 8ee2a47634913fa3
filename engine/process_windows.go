//go:build windows

package engine

import (
	"os/exec"
	"syscall"
)

// setProcAttributes sets platform-specific process attributes.
func setProcAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: 0x08000000, // CREATE_NO_WINDOW
	}
}

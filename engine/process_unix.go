//go:build !windows

package engine

import "os/exec"

// setProcAttributes sets platform-specific process attributes.
func setProcAttributes(cmd *exec.Cmd) {
	// no-op on Unix systems
}

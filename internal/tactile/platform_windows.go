//go:build windows

package tactile

import (
	"errors"
	"os"
	"os/exec"
)

// getProcessResourceUsage is not available on Windows.
func getProcessResourceUsage(cmd *exec.Cmd) *ResourceUsage {
	return nil
}

// setupProcessGroup is a no-op on Windows; there is no pgid to signal.
func setupProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup kills the leader process only.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

//go:build windows

package procctl

import "os/exec"

// setupProcessGroup is a no-op on Windows; mcpmon relies on cmd.Process.Kill
// for termination there, matching internal/process/manager_windows.go.
func setupProcessGroup(cmd *exec.Cmd) {}

// terminateGraceful has no portable polite-stop signal on Windows, so it
// goes straight to Kill, matching manager_windows.go's fallback path.
func terminateGraceful(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func terminateForce(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

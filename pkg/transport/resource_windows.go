//go:build windows

package transport

import "os/exec"

// applyResourceLimits is a no-op on Windows: rlimit-style constraints have
// no direct analogue without a job object, which is out of scope for this
// core (spec §4.1 only requires limits "where available").
func applyResourceLimits(_ *exec.Cmd, _ StdioConfig) {}

func terminate(cmd *exec.Cmd) error { return cmd.Process.Kill() }

func kill(cmd *exec.Cmd) error { return cmd.Process.Kill() }

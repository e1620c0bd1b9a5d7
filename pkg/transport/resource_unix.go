//go:build unix

package transport

import (
	"fmt"
	"os/exec"
	"strings"
	"syscall"
)

// applyResourceLimits applies spawn-time resource limits where the platform
// supports it (spec §4.1). On Unix this re-execs the configured command
// through a shell with `ulimit` applied, since os/exec has no native rlimit
// hook, and places the child in its own process group so Close can signal
// every descendant it may have spawned.
func applyResourceLimits(cmd *exec.Cmd, cfg StdioConfig) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if cfg.MaxMemoryBytes <= 0 && cfg.MaxOpenFiles <= 0 {
		return
	}

	var limits []string
	if cfg.MaxMemoryBytes > 0 {
		limits = append(limits, fmt.Sprintf("ulimit -v %d", cfg.MaxMemoryBytes/1024))
	}
	if cfg.MaxOpenFiles > 0 {
		limits = append(limits, fmt.Sprintf("ulimit -n %d", cfg.MaxOpenFiles))
	}

	quotedArgs := make([]string, 0, len(cmd.Args))
	for _, a := range cmd.Args {
		quotedArgs = append(quotedArgs, "'"+strings.ReplaceAll(a, "'", `'\''`)+"'")
	}
	script := strings.Join(limits, "; ") + "; exec " + strings.Join(quotedArgs, " ")

	cmd.Path = "/bin/sh"
	cmd.Args = []string{"/bin/sh", "-c", script}
}

// terminate sends SIGTERM to the child's process group.
func terminate(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

// kill sends SIGKILL to the child's process group.
func kill(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

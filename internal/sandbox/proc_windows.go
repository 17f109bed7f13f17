//go:build windows

package sandbox

import "os/exec"

func configureSandboxProcess(cmd *exec.Cmd) {}

func terminateSandboxProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

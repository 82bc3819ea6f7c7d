//go:build windows

package invoker

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}

// Windows has no process-group signals; both steps kill the child.
func interruptProcess(cmd *exec.Cmd) {
	killProcess(cmd)
}

func killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

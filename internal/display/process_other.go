//go:build !darwin && !linux

package display

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}

func terminate(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}

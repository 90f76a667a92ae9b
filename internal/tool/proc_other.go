//go:build !unix

package tool

import "os/exec"

func killGroupOnCancel(cmd *exec.Cmd) {
	cmd.WaitDelay = waitDelay
}

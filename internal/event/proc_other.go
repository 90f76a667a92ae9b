//go:build !unix

package event

import "os/exec"

func killGroupOnCancel(cmd *exec.Cmd) {
	cmd.WaitDelay = waitDelay
}

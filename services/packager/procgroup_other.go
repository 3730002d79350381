//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package packager

import (
	"os/exec"
	"time"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = 5 * time.Second
}

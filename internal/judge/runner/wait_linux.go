//go:build linux

package runner

import (
	"errors"
	"os/exec"

	"golang.org/x/sys/unix"
)

// waitExited blocks until the leader exits without reaping it. While the
// leader is a zombie its pid, and so the group id, cannot be reused.
func waitExited(cmd *exec.Cmd) bool {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, cmd.Process.Pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err == nil {
			return true
		}
		if !errors.Is(err, unix.EINTR) {
			return false
		}
	}
}

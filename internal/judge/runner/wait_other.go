//go:build !linux

package runner

import "os/exec"

// waitExited is only available on linux. Elsewhere the leftover group is not
// swept after a normal exit, and a timeout kill racing the reap in Wait can
// in principle reach a reused group id.
func waitExited(cmd *exec.Cmd) bool { return false }

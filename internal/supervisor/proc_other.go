//go:build !unix

package supervisor

import "os/exec"

// configureProcess keeps the os/exec default of killing only the child.
func configureProcess(c *exec.Cmd, ownGroup bool) {}

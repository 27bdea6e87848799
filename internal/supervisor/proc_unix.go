//go:build unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcess sets how c is started and cancelled. With ownGroup the
// child leads a new process group so that cancellation also reaches the
// compiler processes it spawns. Otherwise it stays in the caller's group,
// which keeps terminal reads working, and is sent SIGTERM.
func configureProcess(c *exec.Cmd, ownGroup bool) {
	if !ownGroup {
		c.Cancel = func() error {
			return c.Process.Signal(unix.SIGTERM)
		}
		return
	}
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return killGroup(c.Process)
	}
}

// killGroup sends SIGKILL to the process group led by p. An elevated child
// may refuse the signal; Wait then falls back to WaitDelay.
func killGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	err := unix.Kill(-p.Pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	if err != nil {
		// Fall back to the leader alone.
		return p.Kill()
	}
	return nil
}
